// Package relay submits bundles to the block-engine relay, over a
// persistent gRPC client or by racing the regional HTTP endpoints.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"

	"github.com/kjannette/trahn-gateway/internal/grpcjson"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

const (
	service = "/searcher.SearcherService/"

	methodSendBundle             = service + "SendBundle"
	methodGetTipAccounts         = service + "GetTipAccounts"
	methodGetConnectedLeaders    = service + "GetConnectedLeaders"
	methodGetNextScheduledLeader = service + "GetNextScheduledLeader"
	methodSubscribeBundleResults = service + "SubscribeBundleResults"

	MaxBundleSize = 5
)

type BundleState string

const (
	BundleProcessed BundleState = "processed"
	BundleFinalized BundleState = "finalized"
	BundleRejected  BundleState = "rejected"
	BundleDropped   BundleState = "dropped"
)

// BundleResult is one outcome notification from the results stream.
type BundleResult struct {
	BundleID string      `json:"bundleId"`
	State    BundleState `json:"state"`
	Slot     uint64      `json:"slot,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type NextLeader struct {
	CurrentSlot        uint64 `json:"currentSlot"`
	NextLeaderSlot     uint64 `json:"nextLeaderSlot"`
	NextLeaderIdentity string `json:"nextLeaderIdentity"`
	NextLeaderRegion   string `json:"nextLeaderRegion"`
}

type packet struct {
	Data string `json:"data"`
}

type sendBundleRequest struct {
	Bundle struct {
		Packets []packet `json:"packets"`
	} `json:"bundle"`
}

type sendBundleResponse struct {
	UUID string `json:"uuid"`
}

type tipAccountsResponse struct {
	Accounts []string `json:"accounts"`
}

type connectedLeadersResponse struct {
	ConnectedValidators map[string]struct {
		Slots []uint64 `json:"slots"`
	} `json:"connectedValidators"`
}

type nextLeaderRequest struct {
	Regions []string `json:"regions,omitempty"`
}

type empty struct{}

var resultsDesc = &grpc.StreamDesc{StreamName: "SubscribeBundleResults", ServerStreams: true}

type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the block engine. The auth token is sent as a bearer
// authorization header on every call.
func Dial(ctx context.Context, endpoint, token string, extra ...grpc.DialOption) (*Client, error) {
	target, creds := grpcjson.TransportCredentials(endpoint)
	opts := []grpc.DialOption{creds, grpc.WithDefaultCallOptions(grpcjson.CallOption())}
	if token != "" {
		opts = append(opts, grpcjson.WithToken("authorization", "Bearer "+token)...)
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay client: %w", err)
	}
	if err := grpcjson.WaitReady(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewManager builds the connection manager for the gRPC relay.
func NewManager(opts stream.Options, token string, extra ...grpc.DialOption) *stream.Manager[*Client] {
	opts.Authenticated = token != ""
	if opts.Retryable == nil {
		opts.Retryable = grpcjson.IsTransportError
	}
	endpoint := opts.Endpoint
	return stream.NewManager(opts, func(ctx context.Context) (*Client, error) {
		return Dial(ctx, endpoint, token, extra...)
	})
}

func (c *Client) Close() error { return c.conn.Close() }

// Ping is a cheap round trip used for health checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetTipAccounts(ctx)
	return err
}

// SendBundle submits base64-encoded signed transactions and returns the
// bundle id assigned by the relay.
func (c *Client) SendBundle(ctx context.Context, txs []string) (string, error) {
	if err := ValidateBundle(txs); err != nil {
		return "", err
	}
	var req sendBundleRequest
	for _, tx := range txs {
		req.Bundle.Packets = append(req.Bundle.Packets, packet{Data: tx})
	}
	var resp sendBundleResponse
	if err := c.conn.Invoke(ctx, methodSendBundle, &req, &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

func (c *Client) GetTipAccounts(ctx context.Context) ([]string, error) {
	var resp tipAccountsResponse
	if err := c.conn.Invoke(ctx, methodGetTipAccounts, &empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// GetConnectedLeaders maps validator identity to its upcoming leader slots.
func (c *Client) GetConnectedLeaders(ctx context.Context) (map[string][]uint64, error) {
	var resp connectedLeadersResponse
	if err := c.conn.Invoke(ctx, methodGetConnectedLeaders, &empty{}, &resp); err != nil {
		return nil, err
	}
	out := make(map[string][]uint64, len(resp.ConnectedValidators))
	for id, v := range resp.ConnectedValidators {
		out[id] = v.Slots
	}
	return out, nil
}

func (c *Client) GetNextScheduledLeader(ctx context.Context, regions []string) (NextLeader, error) {
	var resp NextLeader
	err := c.conn.Invoke(ctx, methodGetNextScheduledLeader, &nextLeaderRequest{Regions: regions}, &resp)
	return resp, err
}

// SubscribeBundleResults opens the server stream of bundle outcomes. The
// stream lives until Close or a server error; ctx only bounds creation.
func (c *Client) SubscribeBundleResults(ctx context.Context) (*ResultStream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := c.conn.NewStream(streamCtx, resultsDesc, methodSubscribeBundleResults)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(&empty{}); err != nil {
		cancel()
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	rs := &ResultStream{ctx: streamCtx, cancel: cancel, results: make(chan BundleResult, 256)}
	go rs.recvLoop(cs)
	return rs, nil
}

type ResultStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan BundleResult

	mu  sync.Mutex
	err error
}

func (r *ResultStream) Results() <-chan BundleResult { return r.results }

func (r *ResultStream) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *ResultStream) Close() error {
	r.cancel()
	return nil
}

func (r *ResultStream) recvLoop(cs grpc.ClientStream) {
	defer close(r.results)
	for {
		var res BundleResult
		if err := cs.RecvMsg(&res); err != nil {
			if r.ctx.Err() == nil {
				if err == io.EOF {
					err = fmt.Errorf("bundle results stream closed by server")
				}
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
		select {
		case r.results <- res:
		case <-r.ctx.Done():
			return
		}
	}
}

package geyser

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/kjannette/trahn-gateway/internal/grpcjson"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

const defaultSnapshotTimeout = 10 * time.Second

// NewManager builds the connection manager for the ledger stream.
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

// Provider is the ledger stream as the rest of the gateway sees it: the
// primary source for blockhashes and account snapshots.
type Provider struct {
	mgr             *stream.Manager[*Client]
	commitment      string
	snapshotTimeout time.Duration
}

func NewProvider(mgr *stream.Manager[*Client], commitment string, snapshotTimeout time.Duration) *Provider {
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	if snapshotTimeout <= 0 {
		snapshotTimeout = defaultSnapshotTimeout
	}
	return &Provider{mgr: mgr, commitment: commitment, snapshotTimeout: snapshotTimeout}
}

func (p *Provider) Manager() *stream.Manager[*Client] { return p.mgr }

func (p *Provider) Commitment() string { return p.commitment }

func (p *Provider) LatestBlockhash(ctx context.Context) (models.Blockhash, error) {
	return stream.Call(ctx, p.mgr, func(ctx context.Context, c *Client) (models.Blockhash, error) {
		return c.GetLatestBlockhash(ctx, p.commitment)
	})
}

// IsBlockhashValid reports whether blockhash can still land a transaction.
func (p *Provider) IsBlockhashValid(ctx context.Context, blockhash string) (bool, error) {
	return stream.Call(ctx, p.mgr, func(ctx context.Context, c *Client) (bool, error) {
		return c.IsBlockhashValid(ctx, blockhash, p.commitment)
	})
}

func (p *Provider) Slot(ctx context.Context) (uint64, error) {
	return stream.Call(ctx, p.mgr, func(ctx context.Context, c *Client) (uint64, error) {
		return c.GetSlot(ctx, p.commitment)
	})
}

func (p *Provider) BlockHeight(ctx context.Context) (uint64, error) {
	return stream.Call(ctx, p.mgr, func(ctx context.Context, c *Client) (uint64, error) {
		return c.GetBlockHeight(ctx, p.commitment)
	})
}

// FetchAccount opens a one-account subscription and returns the first
// update for address, giving up after the snapshot timeout.
func (p *Provider) FetchAccount(ctx context.Context, address string) (*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, p.snapshotTimeout)
	defer cancel()

	h, err := p.Subscribe(ctx, SubscribeRequest{
		Accounts:   map[string]AccountFilter{"snapshot": {Account: []string{address}}},
		Commitment: p.commitment,
	})
	if err != nil {
		return nil, err
	}
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("account snapshot %s: %w", address, ctx.Err())
		case u, ok := <-h.Updates():
			if !ok {
				return nil, fmt.Errorf("account snapshot %s: stream ended: %v", address, h.Err())
			}
			if u.Account != nil && u.Account.Pubkey == address {
				return u.Account.Model(), nil
			}
		}
	}
}

// Subscribe opens a tracked Subscribe stream on the managed client.
func (p *Provider) Subscribe(ctx context.Context, req SubscribeRequest) (*Handle, error) {
	if req.Commitment == "" {
		req.Commitment = p.commitment
	}
	t, err := stream.Open(ctx, p.mgr, func(ctx context.Context, c *Client) (*Subscription, error) {
		return c.Subscribe(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{t: t}, nil
}

// Handle is a Subscription counted by the connection manager.
type Handle struct {
	t *stream.Tracked[*Subscription]
}

func (h *Handle) Updates() <-chan Update            { return h.t.Stream.Updates() }
func (h *Handle) Err() error                        { return h.t.Stream.Err() }
func (h *Handle) Modify(req SubscribeRequest) error { return h.t.Stream.Modify(req) }
func (h *Handle) Close() error                      { return h.t.Close() }

func (a *AccountUpdate) Model() *models.Account {
	return &models.Account{
		Address:    a.Pubkey,
		Lamports:   a.Lamports,
		Owner:      a.Owner,
		Data:       a.Data,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
		Slot:       a.Slot,
	}
}

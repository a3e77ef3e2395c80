package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/grpcjson"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

// TxSender submits a single signed transaction outside any relay.
type TxSender interface {
	SendTransaction(ctx context.Context, signedTx string) (string, error)
}

// Router prefers the gRPC relay and falls back to the HTTP fan-out when
// the gRPC path is unconfigured or unreachable. A bundle the relay rejects
// is reported as is and never resent over HTTP. With no relay path at all,
// a one-transaction bundle goes straight to the RPC node.
type Router struct {
	grpc        *stream.Manager[*Client]
	http        *Sender
	direct      TxSender
	parallelism int
	log         *zap.Logger
}

func NewRouter(grpcMgr *stream.Manager[*Client], httpSender *Sender, parallelism int, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		grpc:        grpcMgr,
		http:        httpSender,
		parallelism: parallelism,
		log:         log.With(zap.String("component", "relay")),
	}
}

// WithDirect sets the node used when no relay path can take a bundle.
func (r *Router) WithDirect(s TxSender) *Router {
	r.direct = s
	return r
}

func (r *Router) SubmitBundle(ctx context.Context, txs []string) (*BundleResponse, error) {
	if err := ValidateBundle(txs); err != nil {
		return nil, err
	}

	if r.grpc != nil && r.grpc.Configured() {
		id, err := stream.Call(ctx, r.grpc, func(ctx context.Context, c *Client) (string, error) {
			return c.SendBundle(ctx, txs)
		})
		if err == nil {
			r.log.Info("bundle accepted", zap.String("via", "grpc"), zap.String("bundle_id", id))
			return &BundleResponse{BundleID: id, Via: "grpc"}, nil
		}
		if !errors.Is(err, apperr.ErrConnection) && !grpcjson.IsTransportError(err) {
			return nil, fmt.Errorf("%w: %v", apperr.ErrRelay, err)
		}
		r.log.Warn("grpc relay unavailable, falling back to http", zap.Error(err))
	}

	if r.http != nil {
		return r.http.SendBundle(ctx, txs, r.parallelism)
	}
	if r.direct != nil && len(txs) == 1 {
		return r.sendDirect(ctx, txs[0])
	}
	return nil, apperr.Connection("no relay configured")
}

// sendDirect submits tx via sendTransaction. The signature stands in for
// the bundle id.
func (r *Router) sendDirect(ctx context.Context, tx string) (*BundleResponse, error) {
	sig, err := r.direct.SendTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrRelay, err)
	}
	r.log.Info("transaction accepted", zap.String("via", "rpc"), zap.String("signature", sig))
	return &BundleResponse{BundleID: sig, Via: "rpc"}, nil
}

// TipAccounts asks the gRPC relay for its current tip accounts.
func (r *Router) TipAccounts(ctx context.Context) ([]string, error) {
	if r.grpc == nil {
		return nil, apperr.Connection("grpc relay not configured")
	}
	return stream.Call(ctx, r.grpc, func(ctx context.Context, c *Client) ([]string, error) {
		return c.GetTipAccounts(ctx)
	})
}

func (r *Router) ConnectedLeaders(ctx context.Context) (map[string][]uint64, error) {
	if r.grpc == nil {
		return nil, apperr.Connection("grpc relay not configured")
	}
	return stream.Call(ctx, r.grpc, func(ctx context.Context, c *Client) (map[string][]uint64, error) {
		return c.GetConnectedLeaders(ctx)
	})
}

func (r *Router) NextScheduledLeader(ctx context.Context, regions []string) (NextLeader, error) {
	if r.grpc == nil {
		return NextLeader{}, apperr.Connection("grpc relay not configured")
	}
	return stream.Call(ctx, r.grpc, func(ctx context.Context, c *Client) (NextLeader, error) {
		return c.GetNextScheduledLeader(ctx, regions)
	})
}

// SubscribeBundleResults opens a tracked bundle results stream.
func (r *Router) SubscribeBundleResults(ctx context.Context) (*stream.Tracked[*ResultStream], error) {
	if r.grpc == nil {
		return nil, apperr.Connection("grpc relay not configured")
	}
	return stream.Open(ctx, r.grpc, func(ctx context.Context, c *Client) (*ResultStream, error) {
		return c.SubscribeBundleResults(ctx)
	})
}

func (r *Router) Manager() *stream.Manager[*Client] { return r.grpc }

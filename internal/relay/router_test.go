package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

var tipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
}

type fakeSearcher struct {
	token   string
	sendErr error
	sends   atomic.Int32
	results []BundleResult
	lastTxs []string
}

func (f *fakeSearcher) handle(_ any, ss grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(ss)
	if f.token != "" {
		md, _ := metadata.FromIncomingContext(ss.Context())
		if got := md.Get("authorization"); len(got) == 0 || got[0] != "Bearer "+f.token {
			return status.Error(codes.Unauthenticated, "missing bearer token")
		}
	}

	switch method {
	case methodSendBundle:
		var req sendBundleRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		f.sends.Add(1)
		if f.sendErr != nil {
			return f.sendErr
		}
		f.lastTxs = nil
		for _, p := range req.Bundle.Packets {
			f.lastTxs = append(f.lastTxs, p.Data)
		}
		return ss.SendMsg(&sendBundleResponse{UUID: "grpc-bundle-1"})
	case methodGetTipAccounts:
		var req empty
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&tipAccountsResponse{Accounts: tipAccounts})
	case methodGetNextScheduledLeader:
		var req nextLeaderRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&NextLeader{CurrentSlot: 100, NextLeaderSlot: 104, NextLeaderIdentity: tipAccounts[0], NextLeaderRegion: "ny"})
	case methodSubscribeBundleResults:
		var req empty
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		for _, r := range f.results {
			if err := ss.SendMsg(&r); err != nil {
				return err
			}
		}
		<-ss.Context().Done()
		return nil
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func grpcManager(t *testing.T, f *fakeSearcher, token string) *stream.Manager[*Client] {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(f.handle))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	mgr := NewManager(stream.Options{
		Name:        "relay",
		Endpoint:    "passthrough:///bufnet",
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, token, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestRouter_PrefersGRPC(t *testing.T) {
	f := &fakeSearcher{token: "jwt"}
	var httpHits atomic.Int32
	r := NewRouter(grpcManager(t, f, "jwt"), NewSender(SenderOptions{Endpoints: []string{endpoint(t, accepting("http-1", &httpHits))}}), 2, nil)

	resp, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.NoError(t, err)
	assert.Equal(t, "grpc-bundle-1", resp.BundleID)
	assert.Equal(t, "grpc", resp.Via)
	assert.Equal(t, []string{"dHgx"}, f.lastTxs)
	assert.Zero(t, httpHits.Load())
	assert.True(t, r.Manager().Status().Authenticated)
}

func TestRouter_FallsBackWhenGRPCUnconfigured(t *testing.T) {
	mgr := NewManager(stream.Options{Name: "relay"}, "")
	r := NewRouter(mgr, NewSender(SenderOptions{Endpoints: []string{endpoint(t, accepting("http-1", nil))}}), 2, nil)

	resp, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.NoError(t, err)
	assert.Equal(t, "http-1", resp.BundleID)
	assert.Equal(t, "http", resp.Via)
}

func TestRouter_FallsBackWhenGRPCUnavailable(t *testing.T) {
	f := &fakeSearcher{sendErr: status.Error(codes.Unavailable, "block engine overloaded")}
	r := NewRouter(grpcManager(t, f, ""), NewSender(SenderOptions{Endpoints: []string{endpoint(t, accepting("http-1", nil))}}), 2, nil)

	resp, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.NoError(t, err)
	assert.Equal(t, "http-1", resp.BundleID)
	assert.Equal(t, int32(2), f.sends.Load(), "one retry after reconnect")
}

func TestRouter_RejectionIsNotRetriedOverHTTP(t *testing.T) {
	f := &fakeSearcher{sendErr: status.Error(codes.InvalidArgument, "bundle already processed")}
	var httpHits atomic.Int32
	r := NewRouter(grpcManager(t, f, ""), NewSender(SenderOptions{Endpoints: []string{endpoint(t, accepting("http-1", &httpHits))}}), 2, nil)

	_, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.ErrorIs(t, err, apperr.ErrRelay)
	assert.Contains(t, err.Error(), "already processed")
	assert.Equal(t, int32(1), f.sends.Load())
	assert.Zero(t, httpHits.Load())
}

func TestRouter_NothingConfigured(t *testing.T) {
	r := NewRouter(nil, nil, 2, nil)
	_, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.ErrorIs(t, err, apperr.ErrConnection)

	_, err = r.SubmitBundle(context.Background(), nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

type fakeNode struct {
	err   error
	calls atomic.Int32
}

func (f *fakeNode) SendTransaction(_ context.Context, tx string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "sig-" + tx, nil
}

func TestRouter_DirectWhenNoRelay(t *testing.T) {
	node := &fakeNode{}
	r := NewRouter(nil, nil, 2, nil).WithDirect(node)

	resp, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.NoError(t, err)
	assert.Equal(t, "sig-dHgx", resp.BundleID)
	assert.Equal(t, "rpc", resp.Via)

	_, err = r.SubmitBundle(context.Background(), []string{"dHgx", "dHgy"})
	require.ErrorIs(t, err, apperr.ErrConnection, "a real bundle needs a relay")
	assert.Equal(t, int32(1), node.calls.Load())

	node.err = errors.New("blockhash not found")
	_, err = r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.ErrorIs(t, err, apperr.ErrRelay)
}

func TestRouter_DirectNotUsedWithHTTPRelay(t *testing.T) {
	node := &fakeNode{}
	r := NewRouter(nil, NewSender(SenderOptions{Endpoints: []string{endpoint(t, accepting("http-1", nil))}}), 2, nil).WithDirect(node)

	resp, err := r.SubmitBundle(context.Background(), []string{"dHgx"})
	require.NoError(t, err)
	assert.Equal(t, "http", resp.Via)
	assert.Zero(t, node.calls.Load())
}

func TestRouter_LeaderInfo(t *testing.T) {
	r := NewRouter(grpcManager(t, &fakeSearcher{}, ""), nil, 2, nil)

	next, err := r.NextScheduledLeader(context.Background(), []string{"ny"})
	require.NoError(t, err)
	assert.Equal(t, uint64(104), next.NextLeaderSlot)
	assert.Equal(t, "ny", next.NextLeaderRegion)
}

func TestTipPool_RefreshFromRelay(t *testing.T) {
	r := NewRouter(grpcManager(t, &fakeSearcher{}, ""), nil, 2, nil)
	pool := NewTipPool([]string{"not-a-key"}, nil)
	assert.Zero(t, pool.Len())

	require.NoError(t, pool.Refresh(context.Background(), r))
	assert.ElementsMatch(t, tipAccounts, pool.Accounts())

	acct, ok := pool.Pick()
	require.True(t, ok)
	assert.Contains(t, tipAccounts, acct)

	// An empty refresh keeps the current pool.
	pool.Set(nil)
	assert.Equal(t, 2, pool.Len())
}

func TestSubscribeBundleResults(t *testing.T) {
	f := &fakeSearcher{results: []BundleResult{
		{BundleID: "b1", State: BundleProcessed, Slot: 10},
		{BundleID: "b1", State: BundleFinalized, Slot: 42},
	}}
	r := NewRouter(grpcManager(t, f, ""), nil, 2, nil)

	sub, err := r.SubscribeBundleResults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Manager().Status().ActiveSubscriptions)

	first := <-sub.Stream.Results()
	second := <-sub.Stream.Results()
	assert.Equal(t, BundleProcessed, first.State)
	assert.Equal(t, BundleFinalized, second.State)

	require.NoError(t, sub.Close())
	for range sub.Stream.Results() {
	}
	assert.NoError(t, sub.Stream.Err())
	assert.Zero(t, r.Manager().Status().ActiveSubscriptions)
}

package geyser

import (
	"context"
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

	"github.com/kjannette/trahn-gateway/internal/stream"
)

const (
	testAccount = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testOwner   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// fakeGeyser serves the Geyser methods over bufconn without generated code.
type fakeGeyser struct {
	token      string
	pings      atomic.Int32
	subscribes atomic.Int32
	// expired is reported as no longer valid.
	expired string
	// onSubscribe drives one Subscribe stream after the first request.
	onSubscribe func(ss grpc.ServerStream, req SubscribeRequest) error
}

func (f *fakeGeyser) handle(_ any, ss grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(ss)

	if f.token != "" {
		md, _ := metadata.FromIncomingContext(ss.Context())
		if got := md.Get("x-token"); len(got) == 0 || got[0] != f.token {
			return status.Error(codes.Unauthenticated, "bad token")
		}
	}

	switch method {
	case methodPing:
		var req pingRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		f.pings.Add(1)
		return ss.SendMsg(&pongResponse{Count: req.Count})
	case methodGetLatestBlockhash:
		var req commitmentRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&latestBlockhashResponse{Slot: 300, Blockhash: "GHtXQBsoZHVnNFa9YevAzFr17DJjgHXk3ycTKD5xD3Zi", LastValidBlockHeight: 1150})
	case methodIsBlockhashValid:
		var req blockhashValidRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&blockhashValidResponse{Slot: 300, Valid: req.Blockhash != "" && req.Blockhash != f.expired})
	case methodGetSlot:
		var req commitmentRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&slotResponse{Slot: 300})
	case methodGetBlockHeight:
		var req commitmentRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		return ss.SendMsg(&blockHeightResponse{BlockHeight: 1000})
	case methodSubscribe:
		var req SubscribeRequest
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		f.subscribes.Add(1)
		if f.onSubscribe != nil {
			return f.onSubscribe(ss, req)
		}
		<-ss.Context().Done()
		return nil
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func startFake(t *testing.T, f *fakeGeyser) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(f.handle))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func newTestProvider(t *testing.T, f *fakeGeyser, token string) *Provider {
	t.Helper()
	dialer := startFake(t, f)
	mgr := NewManager(stream.Options{
		Name:      "geyser",
		Endpoint:  "passthrough:///bufnet",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}, token, dialer)
	t.Cleanup(func() { mgr.Close() })
	return NewProvider(mgr, CommitmentConfirmed, time.Second)
}

func TestProvider_LatestBlockhash(t *testing.T) {
	p := newTestProvider(t, &fakeGeyser{token: "secret"}, "secret")

	bh, err := p.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GHtXQBsoZHVnNFa9YevAzFr17DJjgHXk3ycTKD5xD3Zi", bh.Blockhash)
	assert.Equal(t, uint64(1150), bh.LastValidBlockHeight)

	st := p.Manager().Status()
	assert.True(t, st.Connected)
	assert.True(t, st.Authenticated)
}

func TestProvider_LedgerQueries(t *testing.T) {
	p := newTestProvider(t, &fakeGeyser{expired: "EXPIREDhash"}, "")
	ctx := context.Background()

	slot, err := p.Slot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), slot)

	height, err := p.BlockHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), height)

	valid, err := p.IsBlockhashValid(ctx, "GHtXQBsoZHVnNFa9YevAzFr17DJjgHXk3ycTKD5xD3Zi")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = p.IsBlockhashValid(ctx, "EXPIREDhash")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestProvider_WrongTokenIsRejected(t *testing.T) {
	p := newTestProvider(t, &fakeGeyser{token: "secret"}, "wrong")

	_, err := p.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestManager_IsHealthyPings(t *testing.T) {
	f := &fakeGeyser{}
	p := newTestProvider(t, f, "")

	assert.False(t, p.Manager().IsHealthy(context.Background()))
	_, err := p.Manager().GetClient(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Manager().IsHealthy(context.Background()))
	assert.Equal(t, int32(1), f.pings.Load())
}

func TestProvider_FetchAccount(t *testing.T) {
	f := &fakeGeyser{
		onSubscribe: func(ss grpc.ServerStream, req SubscribeRequest) error {
			filter := req.Accounts["snapshot"]
			if len(filter.Account) != 1 {
				return status.Error(codes.InvalidArgument, "expected one account")
			}
			// A ping first: the client answers it and keeps waiting.
			if err := ss.SendMsg(&Update{Ping: &struct{}{}}); err != nil {
				return err
			}
			var pong SubscribeRequest
			if err := ss.RecvMsg(&pong); err != nil {
				return err
			}
			if pong.Ping == nil {
				return status.Error(codes.InvalidArgument, "expected ping reply")
			}
			if err := ss.SendMsg(&Update{
				Filters: []string{"snapshot"},
				Account: &AccountUpdate{Pubkey: filter.Account[0], Lamports: 2_039_280, Owner: testOwner, Slot: 301},
			}); err != nil {
				return err
			}
			<-ss.Context().Done()
			return nil
		},
	}
	p := newTestProvider(t, f, "")

	acct, err := p.FetchAccount(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, testAccount, acct.Address)
	assert.Equal(t, uint64(2_039_280), acct.Lamports)
	assert.Equal(t, testOwner, acct.Owner)

	assert.Eventually(t, func() bool {
		return p.Manager().Status().ActiveSubscriptions == 0
	}, time.Second, 10*time.Millisecond, "snapshot subscription is released")
}

func TestProvider_FetchAccountTimesOut(t *testing.T) {
	p := newTestProvider(t, &fakeGeyser{}, "")
	p.snapshotTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := p.FetchAccount(context.Background(), testAccount)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubscription_ServerEndIsReported(t *testing.T) {
	f := &fakeGeyser{
		onSubscribe: func(ss grpc.ServerStream, _ SubscribeRequest) error {
			if err := ss.SendMsg(&Update{Slot: &SlotUpdate{Slot: 7, Status: "confirmed"}}); err != nil {
				return err
			}
			return status.Error(codes.Unavailable, "node restarting")
		},
	}
	p := newTestProvider(t, f, "")

	h, err := p.Subscribe(context.Background(), SubscribeRequest{Slots: map[string]SlotFilter{"s": {}}})
	require.NoError(t, err)
	defer h.Close()

	u, ok := <-h.Updates()
	require.True(t, ok)
	require.NotNil(t, u.Slot)
	assert.Equal(t, uint64(7), u.Slot.Slot)

	_, ok = <-h.Updates()
	assert.False(t, ok)
	assert.Equal(t, codes.Unavailable, status.Code(h.Err()))
}

func TestSubscription_CloseIsClean(t *testing.T) {
	p := newTestProvider(t, &fakeGeyser{}, "")

	h, err := p.Subscribe(context.Background(), SubscribeRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Manager().Status().ActiveSubscriptions)

	require.NoError(t, h.Close())
	for range h.Updates() {
	}
	assert.NoError(t, h.Err())
	assert.Zero(t, p.Manager().Status().ActiveSubscriptions)
}

func TestSubscription_AnswersServerPing(t *testing.T) {
	answered := make(chan bool, 1)
	f := &fakeGeyser{
		onSubscribe: func(ss grpc.ServerStream, _ SubscribeRequest) error {
			if err := ss.SendMsg(&Update{Ping: &struct{}{}}); err != nil {
				return err
			}
			var reply SubscribeRequest
			if err := ss.RecvMsg(&reply); err != nil {
				return err
			}
			answered <- reply.Ping != nil
			if err := ss.SendMsg(&Update{Slot: &SlotUpdate{Slot: 9, Status: "processed"}}); err != nil {
				return err
			}
			<-ss.Context().Done()
			return nil
		},
	}
	p := newTestProvider(t, f, "")

	h, err := p.Subscribe(context.Background(), SubscribeRequest{})
	require.NoError(t, err)
	defer h.Close()

	select {
	case ok := <-answered:
		assert.True(t, ok, "reply to ping should carry a ping request")
	case <-time.After(2 * time.Second):
		t.Fatal("ping was not answered")
	}

	// The ping itself is not surfaced; the next update is.
	u, ok := <-h.Updates()
	require.True(t, ok)
	require.NotNil(t, u.Slot)
	assert.Equal(t, uint64(9), u.Slot.Slot)
}

// Package geyser is a client for the real-time ledger streaming service:
// a bidirectional Subscribe stream plus a few unary queries.
package geyser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"

	"github.com/kjannette/trahn-gateway/internal/grpcjson"
	"github.com/kjannette/trahn-gateway/internal/models"
)

const (
	service = "/geyser.Geyser/"

	methodPing               = service + "Ping"
	methodGetSlot            = service + "GetSlot"
	methodGetLatestBlockhash = service + "GetLatestBlockhash"
	methodGetBlockHeight     = service + "GetBlockHeight"
	methodIsBlockhashValid   = service + "IsBlockhashValid"
	methodSubscribe          = service + "Subscribe"

	updateBuffer = 256
)

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
	ClientStreams: true,
}

type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to endpoint and waits until the channel is ready. The
// token, when set, is sent as x-token metadata on every call.
func Dial(ctx context.Context, endpoint, token string, extra ...grpc.DialOption) (*Client, error) {
	target, creds := grpcjson.TransportCredentials(endpoint)
	opts := []grpc.DialOption{creds, grpc.WithDefaultCallOptions(grpcjson.CallOption())}
	opts = append(opts, grpcjson.WithToken("x-token", token)...)
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("geyser client: %w", err)
	}
	if err := grpcjson.WaitReady(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	var resp pongResponse
	return c.conn.Invoke(ctx, methodPing, &pingRequest{Count: 1}, &resp)
}

func (c *Client) GetLatestBlockhash(ctx context.Context, commitment string) (models.Blockhash, error) {
	var resp latestBlockhashResponse
	if err := c.conn.Invoke(ctx, methodGetLatestBlockhash, &commitmentRequest{Commitment: commitment}, &resp); err != nil {
		return models.Blockhash{}, err
	}
	if resp.Blockhash == "" {
		return models.Blockhash{}, fmt.Errorf("geyser returned empty blockhash")
	}
	return models.Blockhash{
		Blockhash:            resp.Blockhash,
		LastValidBlockHeight: resp.LastValidBlockHeight,
		Slot:                 resp.Slot,
	}, nil
}

func (c *Client) GetSlot(ctx context.Context, commitment string) (uint64, error) {
	var resp slotResponse
	err := c.conn.Invoke(ctx, methodGetSlot, &commitmentRequest{Commitment: commitment}, &resp)
	return resp.Slot, err
}

func (c *Client) GetBlockHeight(ctx context.Context, commitment string) (uint64, error) {
	var resp blockHeightResponse
	err := c.conn.Invoke(ctx, methodGetBlockHeight, &commitmentRequest{Commitment: commitment}, &resp)
	return resp.BlockHeight, err
}

func (c *Client) IsBlockhashValid(ctx context.Context, blockhash, commitment string) (bool, error) {
	var resp blockhashValidResponse
	err := c.conn.Invoke(ctx, methodIsBlockhashValid, &blockhashValidRequest{Blockhash: blockhash, Commitment: commitment}, &resp)
	return resp.Valid, err
}

// Subscribe opens a Subscribe stream and sends req as the first message.
// The stream lives until Close is called or the server ends it; ctx only
// bounds stream creation.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := c.conn.NewStream(streamCtx, subscribeDesc, methodSubscribe)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cs.SendMsg(&req); err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		cs:      cs,
		ctx:     streamCtx,
		cancel:  cancel,
		updates: make(chan Update, updateBuffer),
	}
	go s.recvLoop()
	return s, nil
}

// Subscription is an open Subscribe stream. Updates is closed when the
// stream ends; Err then reports why (nil after Close).
type Subscription struct {
	cs     grpc.ClientStream
	ctx    context.Context
	cancel context.CancelFunc

	sendMu  sync.Mutex
	updates chan Update

	errMu sync.Mutex
	err   error
}

func (s *Subscription) Updates() <-chan Update { return s.updates }

func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Modify replaces the filters of the running stream.
func (s *Subscription) Modify(req SubscribeRequest) error {
	return s.send(&req)
}

func (s *Subscription) Close() error {
	s.cancel()
	return nil
}

func (s *Subscription) send(req *SubscribeRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.cs.SendMsg(req)
}

func (s *Subscription) recvLoop() {
	defer close(s.updates)
	for {
		var u Update
		if err := s.cs.RecvMsg(&u); err != nil {
			s.finish(err)
			return
		}
		if u.Ping != nil {
			// The server drops idle streams that do not answer pings.
			if err := s.send(&SubscribeRequest{Ping: &PingRequest{ID: 1}}); err != nil {
				s.finish(err)
				return
			}
			continue
		}
		if u.Pong != nil {
			continue
		}
		select {
		case s.updates <- u:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Subscription) finish(err error) {
	if s.ctx.Err() != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = fmt.Errorf("geyser stream closed by server")
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Package grpcjson lets the gateway speak to gRPC services with plain Go
// structs. Messages are JSON encoded and selected per call with CallOption.
package grpcjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype the codec registers under.
const Name = "json"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return Name }

func init() {
	encoding.RegisterCodec(codec{})
}

// CallOption selects the JSON codec for a single call or stream.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(Name)
}

// TransportCredentials picks TLS for https:// endpoints and plaintext
// otherwise, and strips the scheme from the target.
func TransportCredentials(endpoint string) (string, grpc.DialOption) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"),
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), grpc.WithTransportCredentials(insecure.NewCredentials())
	default:
		return endpoint, grpc.WithTransportCredentials(insecure.NewCredentials())
	}
}

// WaitReady blocks until conn reaches Ready, fails hard, or ctx ends.
func WaitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("grpc connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("grpc connection not ready (%s): %w", state, ctx.Err())
		}
	}
}

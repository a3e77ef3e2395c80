package grpcjson

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type tokenAuth struct {
	key, value string
}

func (a tokenAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{a.key: a.value}, nil
}

func (tokenAuth) RequireTransportSecurity() bool { return false }

// WithToken attaches key: value metadata to every call on the connection.
// An empty value adds nothing.
func WithToken(key, value string) []grpc.DialOption {
	if value == "" {
		return nil
	}
	return []grpc.DialOption{grpc.WithPerRPCCredentials(tokenAuth{key: key, value: value})}
}

// IsTransportError reports whether err means the connection itself is
// unusable rather than the call being rejected.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.Aborted, codes.Unauthenticated:
		return true
	}
	return false
}

// Package auth identifies the calling tenant from gRPC metadata.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every tenant API key.
const KeyPrefix = "tgk_"

// prefixLen is the indexed lookup prefix of a key, KeyPrefix included.
const prefixLen = 12

// Authenticator resolves the tenant behind an incoming request.
type Authenticator interface {
	Authenticate(ctx context.Context) (*TenantContext, error)
}

// TenantContext is the authenticated tenant.
type TenantContext struct {
	TenantID string
	Name     string
}

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInactiveTenant is returned for a valid key of a suspended tenant.
	ErrInactiveTenant = errors.New("tenant is not active")
)

// ExtractBearerToken extracts a tgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= prefixLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}

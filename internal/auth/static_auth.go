package auth

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// StaticAuthenticator is a development-only authenticator that trusts the
// x-tenant-id metadata header.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*TenantContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	values := md.Get("x-tenant-id")
	if len(values) == 0 || values[0] == "" {
		return nil, ErrUnauthenticated
	}
	return &TenantContext{TenantID: values[0], Name: values[0]}, nil
}

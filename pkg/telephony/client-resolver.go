package telephony

import "context"

// ClientResolver picks the browser client an inbound caller is connected to.
type ClientResolver interface {
	ResolveClient(ctx context.Context, callerID string) (identity string, ok bool)
}

// StaticClientResolver routes every caller to one identity. An empty
// Identity resolves nothing.
type StaticClientResolver struct {
	Identity string
}

func (r StaticClientResolver) ResolveClient(context.Context, string) (string, bool) {
	return r.Identity, r.Identity != ""
}

// ClientResolverFunc adapts a function to ClientResolver
type ClientResolverFunc func(ctx context.Context, callerID string) (string, bool)

func (f ClientResolverFunc) ResolveClient(ctx context.Context, callerID string) (string, bool) {
	return f(ctx, callerID)
}

package offline

import (
	"context"
	"fmt"
)

// Policy is the caching strategy Handle applies to a request.
type Policy string

const (
	NetworkFirst         Policy = "network-first"
	CacheFirst           Policy = "cache-first"
	StaleWhileRevalidate Policy = "stale-while-revalidate"
	NetworkOnly          Policy = "network-only"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case NetworkFirst, CacheFirst, StaleWhileRevalidate, NetworkOnly:
		return p, nil
	}
	return "", fmt.Errorf("unknown caching policy %q", s)
}

func (p Policy) String() string {
	return string(p)
}

type policyKey struct{}

// WithPolicy attaches a per-request policy that OnFetch uses instead of the
// manager's default.
func WithPolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, policyKey{}, p)
}

func PolicyFromContext(ctx context.Context) (Policy, bool) {
	p, ok := ctx.Value(policyKey{}).(Policy)
	return p, ok && p != ""
}

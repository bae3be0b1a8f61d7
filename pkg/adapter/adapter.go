// Package adapter defines what a platform adapter is and the per-request
// context adapters use for outbound HTTP and credential access.
package adapter

import (
	"context"
	"errors"
	"fmt"
)

// AGP verbs.
const (
	VerbDiscover = "discover"
	VerbQuery    = "query"
	VerbExecute  = "execute"
)

// Business is the resolved business profile handed to adapter factories.
type Business struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId,omitempty"`
	Name        string         `json:"name"`
	Platform    string         `json:"platform"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Adapter implements the three AGP verbs against one platform.
type Adapter interface {
	Discover(ctx context.Context, input map[string]any) (any, error)
	Query(ctx context.Context, input map[string]any) (any, error)
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Factory builds an adapter instance bound to a business and a request
// context.
type Factory func(business *Business, actx *Context) (Adapter, error)

// Invoke dispatches a verb on an adapter.
func Invoke(ctx context.Context, a Adapter, verb string, input map[string]any) (any, error) {
	switch verb {
	case VerbDiscover:
		return a.Discover(ctx, input)
	case VerbQuery:
		return a.Query(ctx, input)
	case VerbExecute:
		return a.Execute(ctx, input)
	default:
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
}

// Sentinel errors raised on the adapter request path.
var (
	// ErrDomainNotAllowed means the target host is in neither domain list.
	ErrDomainNotAllowed = errors.New("domain not allowed")
	// ErrCredentialMissingField means the stored credential lacks a field the
	// auth strategy requires.
	ErrCredentialMissingField = errors.New("credential missing required field")
)

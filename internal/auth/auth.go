// Package auth carries the caller identity used to gate every mutating
// engine operation. Identity travels on the context, the way a request
// principal would after API-layer authentication; the engines only check
// membership in their ward set.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAuthorized is returned by any mutating engine operation when the
// context's caller is not a ward of that engine.
var ErrNotAuthorized = errors.New("auth: caller is not authorized")

type callerKey struct{}

// WithCaller returns a context carrying the given caller identity.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller extracts the caller identity from the context. Empty when absent.
func Caller(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// Wards is a set of caller identities permitted to mutate an engine.
type Wards struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

// NewWards creates a ward set pre-seeded with the given callers.
func NewWards(callers ...string) *Wards {
	w := &Wards{allowed: make(map[string]bool, len(callers))}
	for _, c := range callers {
		w.allowed[c] = true
	}
	return w
}

// Rely grants a caller mutation rights.
func (w *Wards) Rely(caller string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.allowed[caller] = true
}

// Deny revokes a caller's mutation rights.
func (w *Wards) Deny(caller string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.allowed, caller)
}

// Check returns ErrNotAuthorized unless the context's caller is a ward.
func (w *Wards) Check(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.allowed[Caller(ctx)] {
		return ErrNotAuthorized
	}
	return nil
}

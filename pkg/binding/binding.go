// Package binding holds the process-wide backend binding a server depends on:
// one shared client plus the set of scopes the backend accepts. Bind must
// complete before any capability that uses the client is invoked, and Cleanup
// closes the client when the process shuts down.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrInvalidConfig reports missing or malformed required configuration.
	ErrInvalidConfig = errors.New("binding: invalid configuration")
	// ErrNotBound is returned by accessors used before Bind succeeds.
	ErrNotBound = errors.New("binding: not bound")
	// ErrAlreadyBound is returned when Bind is called twice.
	ErrAlreadyBound = errors.New("binding: already bound")
	// ErrClosed is returned by every call after Cleanup.
	ErrClosed = errors.New("binding: closed")
	// ErrNoScopes reports an empty valid-scope set from the backend.
	ErrNoScopes = errors.New("binding: backend returned no valid scopes")
)

// Backend is a shared client that can enumerate the scopes it accepts.
type Backend interface {
	ValidScopes(ctx context.Context) ([]string, error)
	Close() error
}

// Factory builds the backend client from configuration. A factory reports
// missing required values by wrapping ErrInvalidConfig.
type Factory[B Backend] func(ctx context.Context) (B, error)

// ScopeError is returned by ValidateScope for a scope outside the set.
type ScopeError struct {
	Scope   string
	Allowed []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("invalid scope %q, allowed: %s", e.Scope, strings.Join(e.Allowed, ", "))
}

type state int

const (
	unbound state = iota
	bound
	closed
)

// Binding is the lifecycle holder. The zero value is ready for Bind.
type Binding[B Backend] struct {
	Logger *slog.Logger

	mu     sync.RWMutex
	state  state
	client B
	scopes map[string]struct{}
}

func (b *Binding[B]) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// Bind constructs the client and fetches the valid scopes. It either fully
// succeeds or leaves the binding unbound with the client closed.
func (b *Binding[B]) Bind(ctx context.Context, factory Factory[B]) error {
	if factory == nil {
		return fmt.Errorf("%w: no client factory", ErrInvalidConfig)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case bound:
		return ErrAlreadyBound
	case closed:
		return ErrClosed
	}

	client, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("binding: create client: %w", err)
	}
	scopes, err := client.ValidScopes(ctx)
	if err == nil && len(scopes) == 0 {
		err = ErrNoScopes
	}
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("binding: close client: %w", cerr))
		}
		return fmt.Errorf("binding: fetch valid scopes: %w", err)
	}

	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	b.client = client
	b.scopes = set
	b.state = bound
	b.logger().Info("backend bound", "scopes", len(set))
	return nil
}

func (b *Binding[B]) check() error {
	switch b.state {
	case unbound:
		return ErrNotBound
	case closed:
		return ErrClosed
	}
	return nil
}

// Client returns the shared client.
func (b *Binding[B]) Client() (B, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		var zero B
		return zero, err
	}
	return b.client, nil
}

// Scopes returns the valid scopes, sorted.
func (b *Binding[B]) Scopes() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(b.scopes))
	for s := range b.scopes {
		out = append(out, s)
	}
	slices.Sort(out)
	return out, nil
}

// ValidateScope checks scope against the valid set.
func (b *Binding[B]) ValidateScope(scope string) error {
	b.mu.RLock()
	if err := b.check(); err != nil {
		b.mu.RUnlock()
		return err
	}
	_, ok := b.scopes[scope]
	b.mu.RUnlock()
	if ok {
		return nil
	}
	allowed, err := b.Scopes()
	if err != nil {
		return err
	}
	return &ScopeError{Scope: scope, Allowed: allowed}
}

// Cleanup closes the client. It is safe to call more than once and before
// Bind; only the first call after a successful Bind closes anything.
func (b *Binding[B]) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = closed
	if prev != bound {
		return nil
	}
	client := b.client
	var zero B
	b.client = zero
	b.scopes = nil
	if err := client.Close(); err != nil {
		return fmt.Errorf("binding: close client: %w", err)
	}
	b.logger().Info("backend binding closed")
	return nil
}

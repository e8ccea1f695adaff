// Package guard rejects concurrent runs for the same claim identity.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInFlight is returned when the identity already has a run in progress
var ErrInFlight = errors.New("claim is already being processed")

// Token identifies one successful acquisition. The zero Token holds nothing.
type Token string

// InFlightSet is the backing store of in-flight identities. Add must be atomic:
// two concurrent Adds of the same id never both return true. Remove only
// deletes the entry when it still carries token.
type InFlightSet interface {
	Add(ctx context.Context, id string, token Token) (bool, error)
	Remove(ctx context.Context, id string, token Token) error
}

// Guard serializes runs per claim identity
type Guard struct {
	set    InFlightSet
	logger *zap.Logger
}

// New creates a guard over the given set
func New(set InFlightSet, logger *zap.Logger) *Guard {
	if set == nil {
		set = NewMemorySet()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{set: set, logger: logger}
}

// Acquire records id as in flight and returns the token that releases it.
// It returns false, without taking a record, when id is already in flight.
func (g *Guard) Acquire(ctx context.Context, id string) (Token, bool, error) {
	token := Token(uuid.NewString())
	ok, err := g.set.Add(ctx, id, token)
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", id, err)
	}
	if !ok {
		g.logger.Warn("duplicate claim rejected", zap.String("claim_id", id))
		return "", false, nil
	}
	return token, true, nil
}

// Release removes id if token still holds it. A zero token, or one from an
// earlier acquisition, leaves the current holder in place.
func (g *Guard) Release(ctx context.Context, id string, token Token) {
	if token == "" {
		return
	}
	if err := g.set.Remove(ctx, id, token); err != nil {
		g.logger.Error("release in-flight claim", zap.String("claim_id", id), zap.Error(err))
		return
	}
	g.logger.Debug("claim unlocked", zap.String("claim_id", id))
}

// Do runs fn while holding id. fn is not called when id is already in flight.
// Release runs on every exit path, including panics and cancellation of ctx.
func (g *Guard) Do(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	token, ok, err := g.Acquire(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	defer g.Release(context.WithoutCancel(ctx), id, token)

	return fn(ctx)
}

// MemorySet is a process-local in-flight set
type MemorySet struct {
	mu  sync.Mutex
	ids map[string]Token
}

// NewMemorySet creates an empty set
func NewMemorySet() *MemorySet {
	return &MemorySet{ids: make(map[string]Token)}
}

func (s *MemorySet) Add(_ context.Context, id string, token Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return false, nil
	}
	s.ids[id] = token
	return true, nil
}

func (s *MemorySet) Remove(_ context.Context, id string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.ids[id]; ok && held == token {
		delete(s.ids, id)
	}
	return nil
}

// Len reports the number of in-flight ids
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

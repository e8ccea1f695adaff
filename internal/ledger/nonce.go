package ledger

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// NonceSequencer serializes transaction sending per account. A run leases the
// account, sends its transactions with consecutive nonces and releases it.
type NonceSequencer struct {
	mu       sync.Mutex
	accounts map[string]*accountNonce
}

type accountNonce struct {
	sem   *semaphore.Weighted
	next  uint64
	known bool
}

// NewNonceSequencer creates an empty sequencer
func NewNonceSequencer() *NonceSequencer {
	return &NonceSequencer{accounts: make(map[string]*accountNonce)}
}

func (s *NonceSequencer) account(addr string) *accountNonce {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[addr]
	if !ok {
		a = &accountNonce{sem: semaphore.NewWeighted(1)}
		s.accounts[addr] = a
	}
	return a
}

// Lease waits for exclusive use of the account and returns its next nonce:
// the larger of the chain's pending nonce and the locally tracked one.
func (s *NonceSequencer) Lease(ctx context.Context, addr string, pending func(context.Context) (uint64, error)) (*NonceLease, error) {
	a := s.account(addr)
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	chain, err := pending(ctx)
	if err != nil {
		a.sem.Release(1)
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	next := chain
	if a.known && a.next > next {
		next = a.next
	}
	return &NonceLease{acct: a, nonce: next, start: next}, nil
}

// NonceLease is exclusive use of one account's nonce sequence
type NonceLease struct {
	acct     *accountNonce
	nonce    uint64
	start    uint64
	stale    bool
	released bool
}

// Nonce returns the nonce for the next transaction
func (l *NonceLease) Nonce() uint64 { return l.nonce }

// Start returns the nonce the lease began with
func (l *NonceLease) Start() uint64 { return l.start }

// Consume marks the current nonce as used by an accepted transaction
func (l *NonceLease) Consume() { l.nonce++ }

// Invalidate drops the local nonce so the next lease trusts the chain.
// Used when a send failed without a clear outcome.
func (l *NonceLease) Invalidate() { l.stale = true }

// Release records the next nonce and frees the account. Calling it more than
// once is a no-op.
func (l *NonceLease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.acct.next = l.nonce
	l.acct.known = !l.stale
	l.acct.sem.Release(1)
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotOwner = errors.New("ledger: attempt marker held by another owner")

// Attempt is a named, expiring in-flight settlement marker.
type Attempt struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// AttemptStore holds pending-attempt markers.
//
// TryAcquire succeeds if the marker does not exist or has expired.
// Release is idempotent if the marker is already absent and rejects a
// non-owner.
type AttemptStore interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Attempt, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func validateAttempt(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: attempt name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// MemoryAttempts is an in-process AttemptStore for a single relayer.
type MemoryAttempts struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[string]Attempt
}

func NewMemoryAttempts(now func() time.Time) *MemoryAttempts {
	if now == nil {
		now = time.Now
	}
	return &MemoryAttempts{
		now:      now,
		attempts: make(map[string]Attempt),
	}
}

func (s *MemoryAttempts) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Attempt, bool, error) {
	if err := validateAttempt(name, owner, ttl); err != nil {
		return Attempt{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a, ok := s.attempts[name]
	if !ok || !a.ExpiresAt.After(now) {
		out := Attempt{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
		s.attempts[name] = out
		return out, true, nil
	}
	return a, false, nil
}

func (s *MemoryAttempts) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[name]
	if !ok {
		return nil
	}
	if a.Owner != owner {
		return ErrNotOwner
	}
	delete(s.attempts, name)
	return nil
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a launch may wait for its callback.
const DefaultStateTTL = 10 * time.Minute

var (
	// ErrUnknownState is returned when a state was never issued, has expired
	// or has already been consumed.
	ErrUnknownState = errors.New("unknown or expired authorization state")
	// ErrStateExists is returned when saving a state that is already pending.
	ErrStateExists = errors.New("authorization state already pending")
)

// PendingGrant is what the gateway remembers between redirecting a user to
// the identity provider and receiving the callback.
type PendingGrant struct {
	State       string    `json:"state"`
	Issuer      string    `json:"issuer"`
	Launch      string    `json:"launch,omitempty"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scope       string    `json:"scope"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StateStore persists pending grants keyed by state. Consume must be atomic:
// of two concurrent calls for the same state at most one returns the grant.
type StateStore interface {
	Save(ctx context.Context, g *PendingGrant) error
	Consume(ctx context.Context, state string) (*PendingGrant, error)
	Cleanup(ctx context.Context) error
}

// newState returns 32 random bytes, hex encoded.
func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MemoryStateStore keeps pending grants in process memory. Grants do not
// survive a restart and are not shared between replicas.
type MemoryStateStore struct {
	mu     sync.Mutex
	grants map[string]*PendingGrant
	now    func() time.Time
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		grants: make(map[string]*PendingGrant),
		now:    time.Now,
	}
}

func (s *MemoryStateStore) Save(_ context.Context, g *PendingGrant) error {
	if g == nil || g.State == "" {
		return errors.New("pending grant requires a state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.grants[g.State]; ok && s.now().Before(existing.ExpiresAt) {
		return ErrStateExists
	}
	cp := *g
	s.grants[g.State] = &cp
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*PendingGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[state]
	if !ok {
		return nil, ErrUnknownState
	}
	delete(s.grants, state)
	if !s.now().Before(g.ExpiresAt) {
		return nil, ErrUnknownState
	}
	return g, nil
}

// Cleanup drops expired grants.
func (s *MemoryStateStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, g := range s.grants {
		if !now.Before(g.ExpiresAt) {
			delete(s.grants, state)
		}
	}
	return nil
}

// Len returns the number of stored grants, expired ones included.
func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

// RunCleanup calls store.Cleanup every interval until ctx is done.
func RunCleanup(ctx context.Context, store StateStore, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

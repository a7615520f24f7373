// Package pending holds previewed queries awaiting confirmation. A preview
// hands out a single-use token; confirm claims it and executes exactly the
// statement that was previewed.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronodesk/chronodesk/internal/observability"
	"github.com/chronodesk/chronodesk/internal/policy"
	"github.com/chronodesk/chronodesk/internal/synth"
)

var (
	ErrNotFound = errors.New("pending: token not found")
	ErrExpired  = errors.New("pending: token expired")
	ErrClaimed  = errors.New("pending: token already used")
	ErrOwner    = errors.New("pending: token belongs to another caller")
)

// Entry is one previewed query waiting for confirmation.
type Entry struct {
	Token       string
	TenantID    string
	UserID      string
	Role        policy.Role
	TenantScope string
	Query       synth.GeneratedQuery
	Verdict     policy.SecurityVerdict
	ExpiresAt   time.Time

	claimed bool
}

// Store is an in-memory token store. Entries expire after the configured TTL
// and every token can be claimed at most once.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Put registers a previewed query and returns its confirmation token and
// expiry.
func (s *Store) Put(entry Entry) (string, time.Time) {
	token := uuid.NewString()
	entry.Token = token
	entry.ExpiresAt = s.now().Add(s.ttl)

	s.mu.Lock()
	s.entries[token] = &entry
	s.mu.Unlock()
	return token, entry.ExpiresAt
}

// Claim retrieves and consumes a token. The caller identity must match the
// one that previewed the query.
func (s *Store) Claim(token, tenantID, userID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.claimed {
		return Entry{}, ErrClaimed
	}
	if s.now().After(entry.ExpiresAt) {
		delete(s.entries, token)
		observability.IncrementPendingExpired()
		return Entry{}, ErrExpired
	}
	if entry.TenantID != tenantID || entry.UserID != userID {
		return Entry{}, ErrOwner
	}

	// Keep the claimed entry around until expiry so a replayed token gets a
	// precise error instead of a generic not-found.
	entry.claimed = true
	return *entry, nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries. Run it periodically so abandoned previews do
// not accumulate.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, token)
			removed++
			if !entry.claimed {
				observability.IncrementPendingExpired()
			}
		}
	}
	return removed
}

// Janitor sweeps on an interval until the context is canceled.
func (s *Store) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

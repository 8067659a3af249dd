package auth

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// CredentialStore exposes the current access token and notifies observers
// when it changes.
type CredentialStore interface {
	// Token returns the current access token, or "" when signed out.
	Token() string
	// Subscribe registers fn for token changes and returns a function that
	// removes it.
	Subscribe(fn func(token string)) (unsubscribe func())
}

// MemoryCredentialStore is an in-process CredentialStore.
type MemoryCredentialStore struct {
	mu        sync.Mutex
	token     string
	nextID    int
	observers map[int]func(string)
}

// NewMemoryCredentialStore creates a store holding token.
func NewMemoryCredentialStore(token string) *MemoryCredentialStore {
	return &MemoryCredentialStore{token: token, observers: make(map[int]func(string))}
}

func (s *MemoryCredentialStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken replaces the token. Observers run only when the value changes,
// outside the store lock.
func (s *MemoryCredentialStore) SetToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	jww.DEBUG.Printf("[auth] token changed, notifying %d observers", len(fns))
	for _, fn := range fns {
		fn(token)
	}
}

func (s *MemoryCredentialStore) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

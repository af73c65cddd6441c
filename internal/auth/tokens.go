package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "pollenisator/pkg/errors"
)

// Token scopes.
const (
	ScopeWorker = "worker"
	ScopeClient = "client"
)

type Token struct {
	Value      string
	Engagement string
	Subject    string
	Scope      string
	ExpiresAt  time.Time
}

// Registry holds the opaque tokens minted for workers and notification
// clients. Tokens live in memory and do not survive a restart.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]Token
	ttl    time.Duration
	now    func() time.Time
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{
		tokens: make(map[string]Token),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint issues a token bound to engagement for subject.
func (r *Registry) Mint(engagement, subject, scope string) Token {
	t := Token{
		Value:      uuid.NewString(),
		Engagement: engagement,
		Subject:    subject,
		Scope:      scope,
		ExpiresAt:  r.now().Add(r.ttl),
	}
	r.mu.Lock()
	r.tokens[t.Value] = t
	r.mu.Unlock()
	return t
}

// Validate checks that value is a live token for engagement. An empty
// engagement accepts a token of any engagement.
func (r *Registry) Validate(value, engagement string) (Token, error) {
	r.mu.RLock()
	t, ok := r.tokens[value]
	r.mu.RUnlock()
	if !ok {
		return Token{}, apperrors.ErrAuth
	}
	if r.now().After(t.ExpiresAt) {
		r.Revoke(value)
		return Token{}, apperrors.ErrAuth
	}
	if engagement != "" && t.Engagement != engagement {
		return Token{}, apperrors.ErrAuth
	}
	return t, nil
}

func (r *Registry) Revoke(value string) {
	r.mu.Lock()
	delete(r.tokens, value)
	r.mu.Unlock()
}

// RevokeEngagement drops every token of an engagement.
func (r *Registry) RevokeEngagement(engagement string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for v, t := range r.tokens {
		if t.Engagement == engagement {
			delete(r.tokens, v)
		}
	}
}

// Purge removes expired tokens and returns how many.
func (r *Registry) Purge() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for v, t := range r.tokens {
		if now.After(t.ExpiresAt) {
			delete(r.tokens, v)
			n++
		}
	}
	return n
}

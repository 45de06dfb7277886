// Package tokenbroker resolves (provider, organization) pairs to fresh
// access tokens on demand. It coalesces concurrent refreshes for the
// same key via singleflight and trips a circuit breaker when the
// upstream OAuth source is failing repeatedly, rather than hammering it.
package tokenbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// ErrTokenUnavailable is returned when a refresh fails or the breaker is
// open; callers should fail the claim with retry per spec's
// token-unavailable error kind.
var ErrTokenUnavailable = errors.New("token-unavailable")

// graceWindow is the minimum remaining validity the broker guarantees on
// a returned token.
const graceWindow = 60 * time.Second

// Source resolves a fresh oauth2.Token for (provider, organization). One
// Source per provider is registered with the Broker; the external OAuth
// flow referenced in the spec's non-goals is expected to implement it
// (e.g. an installation-token exchange against the provider's API).
type Source interface {
	Token(ctx context.Context, organizationID string) (*oauth2.Token, error)
}

// Token is what the core consumes: the bearer value and its expiry. The
// core never persists this past the operation it was requested for.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Broker resolves and caches tokens per (provider, organization), with
// singleflight coalescing and a circuit breaker per provider.
type Broker struct {
	sources  map[types.Provider]Source
	group    singleflight.Group
	breakers map[types.Provider]*gobreaker.CircuitBreaker

	mu    chan struct{} // binary semaphore guarding cache
	cache map[string]Token
}

// New builds a Broker. sources must contain one entry per provider the
// orchestrator will request tokens for.
func New(sources map[types.Provider]Source) *Broker {
	breakers := make(map[types.Provider]*gobreaker.CircuitBreaker, len(sources))
	for provider := range sources {
		breakers[provider] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("tokenbroker-%s", provider),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Broker{
		sources:  sources,
		breakers: breakers,
		mu:       mu,
		cache:    make(map[string]Token),
	}
}

func cacheKey(provider types.Provider, organizationID string) string {
	return fmt.Sprintf("%s/%s", provider, organizationID)
}

// GetToken resolves a token for (provider, organizationID), reusing a
// cached token when it has at least graceWindow of validity left.
// Concurrent callers for the same key coalesce into one refresh.
func (b *Broker) GetToken(ctx context.Context, provider types.Provider, organizationID string) (Token, error) {
	key := cacheKey(provider, organizationID)

	if cached, ok := b.peek(key); ok {
		return cached, nil
	}

	result, err, _ := b.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight key: another caller may have
		// refreshed while we were waiting to enter Do.
		if cached, ok := b.peek(key); ok {
			return cached, nil
		}
		return b.refresh(ctx, provider, organizationID, key)
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

func (b *Broker) refresh(ctx context.Context, provider types.Provider, organizationID, key string) (Token, error) {
	source, ok := b.sources[provider]
	if !ok {
		return Token{}, sharederrors.ConfigurationError("tokenbroker.provider", fmt.Sprintf("no token source registered for %s", provider))
	}
	breaker := b.breakers[provider]

	raw, err := breaker.Execute(func() (interface{}, error) {
		return source.Token(ctx, organizationID)
	})
	if err != nil {
		return Token{}, sharederrors.Wrapf(ErrTokenUnavailable, "refreshing token for %s/%s: %v", provider, organizationID, err)
	}

	oauthToken := raw.(*oauth2.Token)
	token := Token{Value: oauthToken.AccessToken, ExpiresAt: oauthToken.Expiry}
	b.store(key, token)
	return token, nil
}

func (b *Broker) peek(key string) (Token, bool) {
	<-b.mu
	token, ok := b.cache[key]
	b.mu <- struct{}{}
	if !ok {
		return Token{}, false
	}
	if time.Until(token.ExpiresAt) < graceWindow {
		return Token{}, false
	}
	return token, true
}

func (b *Broker) store(key string, token Token) {
	<-b.mu
	b.cache[key] = token
	b.mu <- struct{}{}
}

// Invalidate drops any cached token for (provider, organizationID),
// forcing the next GetToken call to refresh.
func (b *Broker) Invalidate(provider types.Provider, organizationID string) {
	key := cacheKey(provider, organizationID)
	<-b.mu
	delete(b.cache, key)
	b.mu <- struct{}{}
}

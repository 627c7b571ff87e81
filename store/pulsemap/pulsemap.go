// Package pulsemap wraps a Pulse replicated map (goa.design/pulse/rmap) for
// cluster-aware coordination between Model Router instances. The escalation
// counter is shared through it; the adaptive rate limiter keeps its
// tokens-per-minute state in process and does not use this package. Grounded on features/model/middleware/ratelimit.go's rmapClusterMap
// wrapper and its Join/Get/SetIfNotExists/TestAndSet/Subscribe use.
package pulsemap

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"
)

// Map is the subset of rmap.Map operations the engine's cluster-aware
// collaborators (the escalation-rate tracker) depend on, narrowed to keep call sites test-friendly with a fake.
type Map interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

// rmapAdapter adapts *rmap.Map to Map.
type rmapAdapter struct{ m *rmap.Map }

func (a *rmapAdapter) Get(key string) (string, bool) { return a.m.Get(key) }

func (a *rmapAdapter) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return a.m.SetIfNotExists(ctx, key, value)
}

func (a *rmapAdapter) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return a.m.TestAndSet(ctx, key, test, value)
}

func (a *rmapAdapter) Subscribe() <-chan rmap.EventKind { return a.m.Subscribe() }

// Join connects to (or creates) the named replicated map on the given Redis
// connection, returning it wrapped as Map.
func Join(ctx context.Context, name string, client *redis.Client) (Map, error) {
	if client == nil {
		return nil, errors.New("pulsemap: redis client is required")
	}
	m, err := rmap.Join(ctx, name, client)
	if err != nil {
		return nil, err
	}
	return &rmapAdapter{m: m}, nil
}

// Names used across the engine for shared cluster state.
const (
	// EscalationRateMap holds the cluster-wide escalation count that the
	// Model Router's Escalate path records to; the count is reported by the
	// health endpoint and does not affect routing.
	EscalationRateMap = "taskcore:modelrouter:escalation-rate"
	// ProviderTPMMap names a map for a shared tokens-per-minute budget; no
	// component of the engine joins it.
	ProviderTPMMap = "taskcore:modelrouter:provider-tpm"
)

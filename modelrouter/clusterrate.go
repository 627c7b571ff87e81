package modelrouter

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/taskcore/engine/store/pulsemap"
)

// ClusterMap is the subset of pulsemap.Map the cluster-aware escalation
// coordinator depends on, narrowed so tests can substitute a fake. A real
// pulsemap.Map (joined via store/pulsemap.Join) satisfies it directly.
type ClusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

// EscalationCoordinator tracks the process-wide count of escalations spent
// against a shared Pulse replicated map, so multiple engine instances behind
// a load balancer share one escalation-rate ceiling rather than each
// enforcing its own. This is purely advisory telemetry on top of each
// task's own per-envelope escalation dimension (§4.1), which remains the
// hard per-task limit; the coordinator only informs the Router whether the
// *cluster* is escalating unusually often.
type EscalationCoordinator struct {
	m   ClusterMap
	key string
}

// NewEscalationCoordinator constructs a coordinator keyed by key. A nil m
// makes every method a local-only no-op/always-allow, so single-process
// deployments need not wire Pulse at all.
func NewEscalationCoordinator(m ClusterMap, key string) *EscalationCoordinator {
	return &EscalationCoordinator{m: m, key: key}
}

// RecordEscalation increments the cluster-wide escalation counter.
func (c *EscalationCoordinator) RecordEscalation(ctx context.Context) {
	if c.m == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cur, ok := c.m.Get(c.key)
		if !ok {
			if created, _ := c.m.SetIfNotExists(ctx, c.key, "1"); created {
				return
			}
			continue
		}
		n, err := strconv.Atoi(cur)
		if err != nil {
			n = 0
		}
		next := strconv.Itoa(n + 1)
		if _, err := c.m.TestAndSet(ctx, c.key, cur, next); err == nil {
			return
		}
	}
}

// ClusterEscalationCount reports the cluster-wide escalation counter, or 0
// when no coordination map is configured.
func (c *EscalationCoordinator) ClusterEscalationCount() int {
	if c.m == nil {
		return 0
	}
	cur, ok := c.m.Get(c.key)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(cur)
	return n
}

// JoinEscalationMap connects to the cluster-wide escalation-rate replicated
// map (pulsemap.EscalationRateMap) over client, returning a ClusterMap an
// EscalationCoordinator can use.
func JoinEscalationMap(ctx context.Context, client *redis.Client) (ClusterMap, error) {
	return pulsemap.Join(ctx, pulsemap.EscalationRateMap, client)
}

package main

import (
	"context"
	"time"

	"github.com/taskcore/engine/providers"
)

// providerHealth reports reachability for every configured provider by
// issuing a minimal, cheap Chat call and recording whether it errored. It
// deliberately does not consult the adaptive rate limiter: a provider
// throttled by our own limiter is still "up" from an operator's perspective.
type providerHealth struct {
	providers map[string]providers.Provider
	timeout   time.Duration
}

func newProviderHealth(named map[string]providers.Provider) *providerHealth {
	return &providerHealth{providers: named, timeout: 5 * time.Second}
}

func (h *providerHealth) Providers(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(h.providers))
	for name, p := range h.providers {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		_, err := p.Chat(pctx, providers.ModelRequest{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		})
		cancel()
		out[name] = err == nil
	}
	return out
}

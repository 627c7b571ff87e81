package modelrouter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/engine/providers"
)

type fakeProvider struct {
	err   error
	calls int
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ModelRequest) (providers.ModelResponse, error) {
	p.calls++
	if p.err != nil {
		return providers.ModelResponse{}, p.err
	}
	return providers.ModelResponse{Content: "ok"}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestAdaptiveRateLimiterWrapPassesThroughOnSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(60_000, 60_000)
	fp := &fakeProvider{}
	wrapped := l.Wrap(fp)

	resp, err := wrapped.Chat(context.Background(), providers.ModelRequest{System: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, fp.calls)
}

func TestAdaptiveRateLimiterWrapNilReturnsNil(t *testing.T) {
	l := NewAdaptiveRateLimiter(60_000, 60_000)
	assert.Nil(t, l.Wrap(nil))
}

func TestAdaptiveRateLimiterBacksOffOnRateLimitError(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	before := l.CurrentTPM()
	fp := &fakeProvider{err: ErrRateLimited}
	wrapped := l.Wrap(fp)

	_, err := wrapped.Chat(context.Background(), providers.ModelRequest{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Less(t, l.CurrentTPM(), before)
}

func TestAdaptiveRateLimiterBacksOffNeverBelowMinTPM(t *testing.T) {
	l := NewAdaptiveRateLimiter(10, 10)
	fp := &fakeProvider{err: ErrRateLimited}
	wrapped := l.Wrap(fp)
	for i := 0; i < 20; i++ {
		_, _ = wrapped.Chat(context.Background(), providers.ModelRequest{})
	}
	assert.GreaterOrEqual(t, l.CurrentTPM(), 1.0)
}

func TestAdaptiveRateLimiterProbesBackUpAfterSuccesses(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	fp := &fakeProvider{err: ErrRateLimited}
	wrapped := l.Wrap(fp)
	_, _ = wrapped.Chat(context.Background(), providers.ModelRequest{})
	reduced := l.CurrentTPM()
	assert.Less(t, reduced, 1000.0)

	fp.err = nil
	for i := 0; i < 5; i++ {
		_, _ = wrapped.Chat(context.Background(), providers.ModelRequest{})
	}
	assert.Greater(t, l.CurrentTPM(), reduced)
}

func TestAdaptiveRateLimiterIgnoresUnrelatedErrors(t *testing.T) {
	l := NewAdaptiveRateLimiter(1000, 1000)
	before := l.CurrentTPM()
	fp := &fakeProvider{err: errors.New("boom")}
	wrapped := l.Wrap(fp)

	_, err := wrapped.Chat(context.Background(), providers.ModelRequest{})
	assert.Error(t, err)
	assert.Equal(t, before, l.CurrentTPM())
}

func TestEstimateTokensHasFloorForEmptyRequest(t *testing.T) {
	assert.Equal(t, 500, estimateTokens(providers.ModelRequest{}))
}

func TestEstimateTokensScalesWithContentLength(t *testing.T) {
	req := providers.ModelRequest{System: "x", Messages: []providers.Message{{Content: string(make([]byte, 300))}}}
	assert.Greater(t, estimateTokens(req), 500)
}

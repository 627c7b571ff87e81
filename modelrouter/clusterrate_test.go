package modelrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeClusterMap struct {
	values map[string]string
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{values: make(map[string]string)}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	if m.values[key] != test {
		return m.values[key], nil
	}
	m.values[key] = value
	return value, nil
}

func TestEscalationCoordinatorNilMapIsNoop(t *testing.T) {
	c := NewEscalationCoordinator(nil, "k")
	c.RecordEscalation(context.Background())
	assert.Equal(t, 0, c.ClusterEscalationCount())
}

func TestEscalationCoordinatorRecordsFirstEscalation(t *testing.T) {
	c := NewEscalationCoordinator(newFakeClusterMap(), "escalations")
	c.RecordEscalation(context.Background())
	assert.Equal(t, 1, c.ClusterEscalationCount())
}

func TestEscalationCoordinatorAccumulatesAcrossCalls(t *testing.T) {
	m := newFakeClusterMap()
	c := NewEscalationCoordinator(m, "escalations")
	for i := 0; i < 5; i++ {
		c.RecordEscalation(context.Background())
	}
	assert.Equal(t, 5, c.ClusterEscalationCount())
}

func TestEscalationCoordinatorSharedAcrossInstances(t *testing.T) {
	m := newFakeClusterMap()
	a := NewEscalationCoordinator(m, "escalations")
	b := NewEscalationCoordinator(m, "escalations")
	a.RecordEscalation(context.Background())
	b.RecordEscalation(context.Background())
	assert.Equal(t, 2, a.ClusterEscalationCount())
	assert.Equal(t, 2, b.ClusterEscalationCount())
}

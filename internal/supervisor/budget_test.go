package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRestartBudgetCeiling(t *testing.T) {
	t.Parallel()

	b := NewRestartBudget(5, 30*time.Second)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		assert.False(t, b.Record(start.Add(time.Duration(i)*time.Second)), "restart %d", i+1)
	}
	assert.True(t, b.Record(start.Add(5*time.Second)))
	assert.Equal(t, 6, b.Count)
}

func TestRestartBudgetWindowReset(t *testing.T) {
	t.Parallel()

	b := NewRestartBudget(5, 30*time.Second)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		b.Record(start)
	}
	assert.False(t, b.Record(start.Add(31*time.Second)))
	assert.Equal(t, 1, b.Count)
	assert.Equal(t, start.Add(31*time.Second), b.WindowStart)
}

func TestRestartBudgetWindowBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	b := NewRestartBudget(1, 30*time.Second)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b.Record(start)
	// ровно на границе окно еще действует
	assert.True(t, b.Record(start.Add(30*time.Second)))
}

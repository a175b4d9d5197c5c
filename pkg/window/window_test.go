package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTumblingAverage(t *testing.T) {
	m := NewManager(zap.NewNop())

	// Window of 3: the third observation closes it, the fourth starts fresh.
	closed, _ := m.Observe("sub-1", "Electronics", "avg_rating", 3, AggAvg, 3.0)
	assert.False(t, closed)
	closed, _ = m.Observe("sub-1", "Electronics", "avg_rating", 3, AggAvg, 5.0)
	assert.False(t, closed)
	closed, agg := m.Observe("sub-1", "Electronics", "avg_rating", 3, AggAvg, 5.0)
	assert.True(t, closed)
	assert.InDelta(t, 4.3333, agg, 0.001)

	closed, _ = m.Observe("sub-1", "Electronics", "avg_rating", 3, AggAvg, 4.0)
	assert.False(t, closed)
}

func TestAggregations(t *testing.T) {
	values := []float64{2.0, 8.0, 5.0}
	tests := []struct {
		agg  string
		want float64
	}{
		{AggAvg, 5.0},
		{AggMax, 8.0},
		{AggMin, 2.0},
		{AggSum, 15.0},
		{AggCount, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.agg, func(t *testing.T) {
			m := NewManager(nil)
			var closed bool
			var agg float64
			for _, v := range values {
				closed, agg = m.Observe("sub-1", "Books", "price", 3, tt.agg, v)
			}
			assert.True(t, closed)
			assert.InDelta(t, tt.want, agg, 1e-9)
		})
	}
}

func TestUnknownAggregationFallsBackToAverage(t *testing.T) {
	m := NewManager(nil)
	m.Observe("sub-1", "Books", "price", 2, "median", 1.0)
	closed, agg := m.Observe("sub-1", "Books", "price", 2, "median", 3.0)
	assert.True(t, closed)
	assert.InDelta(t, 2.0, agg, 1e-9)
}

func TestWindowsIsolatedByCategoryAndField(t *testing.T) {
	m := NewManager(nil)

	m.Observe("sub-1", "Electronics", "price", 2, AggSum, 10)
	m.Observe("sub-1", "Books", "price", 2, AggSum, 1)
	m.Observe("sub-1", "Electronics", "rating", 2, AggSum, 4)
	assert.Equal(t, 3, m.Len())

	// Only the Electronics price window closes.
	closed, agg := m.Observe("sub-1", "Electronics", "price", 2, AggSum, 20)
	assert.True(t, closed)
	assert.InDelta(t, 30.0, agg, 1e-9)

	closed, _ = m.Observe("sub-1", "Books", "price", 2, AggSum, 1)
	assert.True(t, closed)
}

func TestWindowsIsolatedBySubscription(t *testing.T) {
	m := NewManager(nil)
	m.Observe("sub-1", "Books", "price", 2, AggSum, 1)
	closed, _ := m.Observe("sub-2", "Books", "price", 2, AggSum, 1)
	assert.False(t, closed)
}

func TestSizeOneClosesEveryObservation(t *testing.T) {
	m := NewManager(nil)
	for i := 1; i <= 3; i++ {
		closed, agg := m.Observe("sub-1", "Toys", "price", 1, AggMax, float64(i))
		assert.True(t, closed)
		assert.InDelta(t, float64(i), agg, 1e-9)
	}
}

func TestDrop(t *testing.T) {
	m := NewManager(nil)
	m.Observe("sub-1", "Books", "price", 3, AggAvg, 1)
	m.Observe("sub-1", "Toys", "price", 3, AggAvg, 1)
	m.Observe("sub-2", "Books", "price", 3, AggAvg, 1)

	m.Drop("sub-1")
	assert.Equal(t, 1, m.Len())

	// sub-1 starts from scratch after re-registration.
	closed, _ := m.Observe("sub-1", "Books", "price", 3, AggAvg, 1)
	assert.False(t, closed)
}

func TestValidAggregation(t *testing.T) {
	for _, agg := range []string{AggAvg, AggMax, AggMin, AggSum, AggCount} {
		assert.True(t, ValidAggregation(agg))
	}
	assert.False(t, ValidAggregation("median"))
	assert.False(t, ValidAggregation(""))
}

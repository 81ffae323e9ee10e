package service

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingHistoryEvictsOldest(t *testing.T) {
	h := NewRollingHistory(3)

	for _, v := range []uint64{1, 2, 3, 4, 5} {
		h.Record("10.0.0.1", v)
	}

	assert.Equal(t, []uint64{3, 4, 5}, h.Values("10.0.0.1"))
	assert.Equal(t, uint64(5), h.Latest("10.0.0.1"))
	assert.Equal(t, []uint64{3, 4}, h.Previous("10.0.0.1"))
	assert.Equal(t, 3, h.Len("10.0.0.1"))
}

func TestRollingHistoryUnknownDevice(t *testing.T) {
	h := NewRollingHistory(10)

	assert.False(t, h.Has("10.0.0.9"))
	assert.Zero(t, h.Latest("10.0.0.9"))
	assert.Nil(t, h.Values("10.0.0.9"))
	assert.Nil(t, h.Previous("10.0.0.9"))
	assert.Zero(t, h.Tracked())
}

func TestRollingHistorySmallCapacityFallsBack(t *testing.T) {
	h := NewRollingHistory(1)
	for i := range 20 {
		h.Record("a", uint64(i))
	}
	assert.Equal(t, DefaultHistorySize, h.Len("a"))
}

func TestRollingHistoryDevicesAreIndependent(t *testing.T) {
	h := NewRollingHistory(4)
	h.Record("a", 10)
	h.Record("b", 20)
	h.Record("a", 30)

	assert.Equal(t, []uint64{10, 30}, h.Values("a"))
	assert.Equal(t, []uint64{20}, h.Values("b"))
	assert.Equal(t, 2, h.Tracked())
}

func TestMeanStdDev(t *testing.T) {
	tests := []struct {
		name   string
		values []uint64
		mean   float64
		stdev  float64
	}{
		{name: "empty", values: nil, mean: 0, stdev: 0},
		{name: "single value", values: []uint64{42}, mean: 42, stdev: 0},
		{name: "constant", values: []uint64{7, 7, 7, 7}, mean: 7, stdev: 0},
		{name: "population form", values: []uint64{2, 4, 4, 4, 5, 5, 7, 9}, mean: 5, stdev: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mean, stdev := MeanStdDev(tt.values)
			assert.InDelta(t, tt.mean, mean, 1e-9)
			assert.InDelta(t, tt.stdev, stdev, 1e-9)
		})
	}
}

func TestRollingHistoryStatsExcludeLatest(t *testing.T) {
	h := NewRollingHistory(10)
	for _, v := range []uint64{100, 200, 300, 10_000} {
		h.Record("a", v)
	}

	mean, stdev := h.Stats("a")
	require.InDelta(t, 200, mean, 1e-9)
	assert.InDelta(t, math.Sqrt(20000.0/3.0), stdev, 1e-9)
}

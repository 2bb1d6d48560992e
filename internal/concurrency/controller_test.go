package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	c := New(Options{Ceiling: 4, Floor: 1})
	p, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.InFlight())
	p.Release()
	assert.Equal(t, int64(0), c.InFlight())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := New(Options{Ceiling: 2, Floor: 1})
	p, err := c.Acquire(context.Background())
	require.NoError(t, err)
	p.Release()
	p.Release()
	assert.Equal(t, int64(0), c.InFlight())
}

func TestResourceExhaustedHalvesCurrentLimit(t *testing.T) {
	c := New(Options{Ceiling: 1024, Floor: 8})
	c.ReportResult(ResourceExhausted)
	assert.Equal(t, int64(512), c.CurrentLimit())
	c.ReportResult(ResourceExhausted)
	assert.Equal(t, int64(256), c.CurrentLimit())
}

func TestCurrentLimitNeverBelowFloor(t *testing.T) {
	c := New(Options{Ceiling: 16, Floor: 8})
	for i := 0; i < 10; i++ {
		c.ReportResult(ResourceExhausted)
	}
	assert.GreaterOrEqual(t, c.CurrentLimit(), int64(8))
}

func TestGrowthRequiresThresholdAndBackoff(t *testing.T) {
	c := New(Options{Ceiling: 100, Floor: 8, Step: 10, GrowthThreshold: 3, BackoffInterval: 0})
	c.ReportResult(ResourceExhausted) // drop to 50, reset lastAdjustment
	before := c.CurrentLimit()
	c.ReportResult(Success)
	c.ReportResult(Success)
	assert.Equal(t, before, c.CurrentLimit(), "growth must not happen before the success streak reaches the threshold")
	c.ReportResult(Success)
	assert.Equal(t, before+10, c.CurrentLimit())
}

func TestGrowthNeverExceedsCeiling(t *testing.T) {
	c := New(Options{Ceiling: 20, Floor: 8, Step: 100, GrowthThreshold: 1, BackoffInterval: 0})
	c.ReportResult(Success)
	assert.Equal(t, int64(20), c.CurrentLimit())
}

func TestSuccessResetsEMFILEStreak(t *testing.T) {
	c := New(Options{Ceiling: 100, Floor: 8})
	c.ReportResult(ResourceExhausted)
	c.ReportResult(ResourceExhausted)
	assert.Equal(t, int64(2), c.SuccessiveEMFILE())
	c.ReportResult(Success)
	assert.Equal(t, int64(0), c.SuccessiveEMFILE())
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	c := New(Options{Ceiling: 1, Floor: 1})
	_, err := c.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.Error(t, err)
}

func TestShrinkThenGrowNeverExceedsCeiling(t *testing.T) {
	c := New(Options{Ceiling: 32, Floor: 4, Step: 32, GrowthThreshold: 1, BackoffInterval: 0})
	c.ReportResult(ResourceExhausted)
	require.Equal(t, int64(16), c.CurrentLimit())
	c.ReportResult(Success)
	assert.LessOrEqual(t, c.CurrentLimit(), int64(32))

	var permits []*Permit
	for i := 0; i < 32; i++ {
		p, err := c.Acquire(context.Background())
		require.NoError(t, err)
		permits = append(permits, p)
	}
	for _, p := range permits {
		p.Release()
	}
}

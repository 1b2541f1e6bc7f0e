package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualTickDeliversToTicker(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	ticker := clk.NewTicker(10 * time.Second)
	defer ticker.Stop()

	received := make(chan time.Time, 1)
	go func() {
		received <- <-ticker.C()
	}()

	require.Equal(t, 1, clk.Tick(time.Second))
	got := <-received
	assert.Equal(t, start.Add(10*time.Second), got)
	assert.Equal(t, start.Add(10*time.Second), clk.Now())
}

func TestManualTickSkipsStoppedTicker(t *testing.T) {
	t.Parallel()

	clk := NewManual(time.Now())
	ticker := clk.NewTicker(time.Second)
	ticker.Stop()

	assert.Equal(t, 0, clk.Tick(50*time.Millisecond))
}

func TestManualAfter(t *testing.T) {
	t.Parallel()

	clk := NewManual(time.Now())
	ch := clk.After(5 * time.Second)

	clk.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire")
	}
}

func TestManualWaitForTicker(t *testing.T) {
	t.Parallel()

	clk := NewManual(time.Now())
	assert.False(t, clk.WaitForTicker(10*time.Millisecond))

	go clk.NewTicker(time.Second)
	assert.True(t, clk.WaitForTicker(time.Second))
}

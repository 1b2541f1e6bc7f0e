package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/config"
)

const gib = 1024 * 1024 * 1024

// fakeUsage serves scripted usage per path; unknown paths fail
type fakeUsage struct {
	mu    sync.Mutex
	usage map[string]*DiskUsage
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{usage: make(map[string]*DiskUsage)}
}

func (f *fakeUsage) set(path string, percent float64, free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[path] = &DiskUsage{TotalBytes: 100 * gib, FreeBytes: free, UsedBytes: 100*gib - free, PercentUsed: percent}
}

func (f *fakeUsage) DiskUsage(path string) (*DiskUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.usage[path]
	if !ok {
		return nil, errors.New("no such path")
	}
	return u, nil
}

func testPaths() map[string]string {
	return map[string]string{
		"state directory": "/srv/rollout",
		"history":         "/srv/rollout/db",
	}
}

func TestDiskMonitorLevels(t *testing.T) {
	t.Parallel()

	usage := newFakeUsage()
	m := NewDiskMonitor(testPaths(), WithChecker(usage))
	usage.set("/srv/rollout", 50, 50*gib)
	usage.set("/srv/rollout/db", 50, 50*gib)
	assert.Empty(t, m.Check())
	assert.NoError(t, m.HealthCheck(context.Background()))

	usage.set("/srv/rollout", 85, 15*gib)
	alerts := m.Check()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLevelWarning, alerts[0].Level)
	assert.Equal(t, "state directory", alerts[0].Name)
	assert.NoError(t, m.HealthCheck(context.Background()), "warnings keep the server healthy")

	usage.set("/srv/rollout/db", 95, 5*gib)
	alerts = m.Check()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertLevelCritical, alerts[0].Level, "alerts are ordered by name")
	assert.Equal(t, "history", alerts[0].Name)
	assert.Contains(t, alerts[0].Message, "95.0% full with 5.0 GB free")

	err := m.HealthCheck(context.Background())
	require.ErrorIs(t, err, ErrDiskCritical)
	assert.Contains(t, err.Error(), "/srv/rollout/db")
}

func TestDiskMonitorCustomThresholds(t *testing.T) {
	t.Parallel()

	usage := newFakeUsage()
	usage.set("/srv/rollout", 75, 25*gib)
	usage.set("/srv/rollout/db", 10, 90*gib)

	m := NewDiskMonitor(testPaths(), WithChecker(usage), WithThresholds(70, 74))
	alerts := m.Check()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLevelCritical, alerts[0].Level)
	assert.InDelta(t, 75.0, alerts[0].PercentUsed, 0.001)
}

func TestDiskMonitorSkipsUnreadablePaths(t *testing.T) {
	t.Parallel()

	m := NewDiskMonitor(testPaths(), WithChecker(newFakeUsage()))
	assert.Empty(t, m.Check())
	assert.False(t, m.LastCheck().IsZero())
}

func TestDiskMonitorRun(t *testing.T) {
	t.Parallel()

	usage := newFakeUsage()
	usage.set("/srv/rollout", 91, 9*gib)
	m := NewDiskMonitor(testPaths(), WithChecker(usage), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(m.Alerts()) == 1 }, time.Second, 5*time.Millisecond)

	usage.set("/srv/rollout", 20, 80*gib)
	require.Eventually(t, func() bool { return len(m.Alerts()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDiskMonitorConcurrentAccess(t *testing.T) {
	t.Parallel()

	usage := newFakeUsage()
	usage.set("/srv/rollout", 85, 15*gib)
	m := NewDiskMonitor(testPaths(), WithChecker(usage))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.Check()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = m.Alerts()
				_ = m.HealthCheck(context.Background())
			}
		}()
	}
	wg.Wait()
	assert.Len(t, m.Alerts(), 1)
}

func TestWatchedPaths(t *testing.T) {
	t.Parallel()

	cfg := config.NewServerConfig()
	cfg.StateDir = "/srv/rollout"
	cfg.History.Path = "/data/rollout/history.db"
	cfg.PIDFile = "/run/rollout/server.pid"
	cfg.LogFile = ""

	paths := WatchedPaths(cfg)
	assert.Equal(t, "/srv/rollout", paths["state directory"])
	assert.Equal(t, "/data/rollout", paths["history"])
	assert.Equal(t, "/run/rollout", paths["pid directory"])
}

func TestPlatformDiskUsage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	usage, err := getDiskUsage(dir + "/not-created-yet")
	require.NoError(t, err)
	assert.Positive(t, usage.TotalBytes)
	assert.GreaterOrEqual(t, usage.PercentUsed, 0.0)
	assert.LessOrEqual(t, usage.PercentUsed, 100.0)
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 GB", formatBytes(2*gib))
}

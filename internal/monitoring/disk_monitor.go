// Package monitoring watches free space on the volumes the server writes to.
// A full disk stops the history database from recording executions, so the
// server reports unhealthy once any watched volume crosses the critical level.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/pkg/logging"
)

// ErrDiskCritical is returned by HealthCheck while a critical alert is active
var ErrDiskCritical = errors.New("disk space critical")

// UsageChecker reports disk usage for a path
type UsageChecker interface {
	DiskUsage(path string) (*DiskUsage, error)
}

// UsageCheckerFunc adapts a function to UsageChecker
type UsageCheckerFunc func(path string) (*DiskUsage, error)

// DiskUsage implements UsageChecker
func (f UsageCheckerFunc) DiskUsage(path string) (*DiskUsage, error) { return f(path) }

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes  uint64
	FreeBytes   uint64
	UsedBytes   uint64
	PercentUsed float64
}

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// DiskAlert is raised for a watched path above a threshold
type DiskAlert struct {
	Name        string
	Path        string
	Level       AlertLevel
	PercentUsed float64
	FreeBytes   uint64
	Message     string
	Timestamp   time.Time
}

// DiskMonitor periodically checks the watched paths
type DiskMonitor struct {
	paths    map[string]string
	warn     float64
	critical float64
	interval time.Duration
	checker  UsageChecker

	mu        sync.RWMutex
	lastCheck time.Time
	alerts    []DiskAlert
	logger    *logging.Logger
}

// Option configures a DiskMonitor
type Option func(*DiskMonitor)

// WithThresholds sets the warning and critical percentages
func WithThresholds(warn, critical float64) Option {
	return func(m *DiskMonitor) {
		m.warn = warn
		m.critical = critical
	}
}

// WithInterval sets how often Run checks
func WithInterval(d time.Duration) Option {
	return func(m *DiskMonitor) { m.interval = d }
}

// WithChecker replaces the platform disk usage lookup
func WithChecker(c UsageChecker) Option {
	return func(m *DiskMonitor) { m.checker = c }
}

// WatchedPaths returns the paths the server writes to, keyed by a display name
func WatchedPaths(cfg *config.ServerConfig) map[string]string {
	paths := map[string]string{
		"state directory": cfg.StateDir,
		"history":         filepath.Dir(cfg.History.Path),
	}
	if logPath := cfg.GetLogPath(); logPath != "" {
		paths["log directory"] = filepath.Dir(logPath)
	}
	if cfg.PIDFile != "" {
		paths["pid directory"] = filepath.Dir(cfg.PIDFile)
	}
	return paths
}

// NewDiskMonitor creates a monitor over the given paths
func NewDiskMonitor(paths map[string]string, opts ...Option) *DiskMonitor {
	m := &DiskMonitor{
		paths:    make(map[string]string, len(paths)),
		warn:     80.0,
		critical: 90.0,
		interval: 5 * time.Minute,
		checker:  UsageCheckerFunc(getDiskUsage),
		logger:   logging.NewLogger("disk-monitor"),
	}
	for name, p := range paths {
		if p != "" {
			m.paths[name] = p
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run checks immediately and then every interval until ctx is done
func (m *DiskMonitor) Run(ctx context.Context) {
	m.Check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one pass over the watched paths and returns the active alerts
func (m *DiskMonitor) Check() []DiskAlert {
	now := time.Now()
	names := make([]string, 0, len(m.paths))
	for name := range m.paths {
		names = append(names, name)
	}
	sort.Strings(names)

	alerts := make([]DiskAlert, 0)
	for _, name := range names {
		path := m.paths[name]
		usage, err := m.checker.DiskUsage(path)
		if err != nil {
			m.logger.Error("Failed to get disk usage for %s (%s): %v", name, path, err)
			continue
		}

		var level AlertLevel
		switch {
		case usage.PercentUsed >= m.critical:
			level = AlertLevelCritical
		case usage.PercentUsed >= m.warn:
			level = AlertLevelWarning
		default:
			continue
		}

		alert := DiskAlert{
			Name:        name,
			Path:        path,
			Level:       level,
			PercentUsed: usage.PercentUsed,
			FreeBytes:   usage.FreeBytes,
			Message: fmt.Sprintf("%s (%s) is %.1f%% full with %s free",
				name, path, usage.PercentUsed, formatBytes(usage.FreeBytes)),
			Timestamp: now,
		}
		alerts = append(alerts, alert)
		if level == AlertLevelCritical {
			m.logger.Error("CRITICAL: %s", alert.Message)
		} else {
			m.logger.Warn("Disk space warning: %s", alert.Message)
		}
	}

	m.mu.Lock()
	m.lastCheck = now
	m.alerts = alerts
	m.mu.Unlock()
	return append([]DiskAlert(nil), alerts...)
}

// Alerts returns the alerts of the last check
func (m *DiskMonitor) Alerts() []DiskAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DiskAlert(nil), m.alerts...)
}

// LastCheck returns the time of the last check
func (m *DiskMonitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// HealthCheck fails while the last check raised a critical alert
func (m *DiskMonitor) HealthCheck(_ context.Context) error {
	var critical []string
	for _, a := range m.Alerts() {
		if a.Level == AlertLevelCritical {
			critical = append(critical, a.Message)
		}
	}
	if len(critical) > 0 {
		return fmt.Errorf("%w: %s", ErrDiskCritical, strings.Join(critical, "; "))
	}
	return nil
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

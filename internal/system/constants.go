package system

import "time"

// DefaultWorkerPoolConfig contains default values for worker pool configuration
var DefaultWorkerPoolConfig = struct {
	Workers         int
	QueueCapacity   int
	ShutdownTimeout time.Duration
}{
	Workers:         4,
	QueueCapacity:   100,
	ShutdownTimeout: 30 * time.Second,
}

// DefaultSystemConfig contains default values for system configuration
var DefaultSystemConfig = struct {
	// TrackerRetention is how long Redis keeps terminal execution records
	TrackerRetention time.Duration
	// ApprovalTTL bounds how long a decision waits in Redis for its gate
	ApprovalTTL time.Duration
	// QueueMetricsInterval is how often queue depth is exported as a metric
	QueueMetricsInterval time.Duration
	ArchiveInitTimeout   time.Duration
}{
	TrackerRetention:     7 * 24 * time.Hour,
	ApprovalTTL:          24 * time.Hour,
	QueueMetricsInterval: 15 * time.Second,
	ArchiveInitTimeout:   30 * time.Second,
}

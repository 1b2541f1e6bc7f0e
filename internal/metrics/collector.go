// Package metrics collects execution, rollback and queue metrics from the
// event bus and exports them through a Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/interfaces"
)

const (
	namespace     = "rollout"
	maxDurations  = 1000
	statusLabel   = "status"
	strategyLabel = "strategy"
)

// Summary is a point-in-time view of the collected metrics
type Summary struct {
	ExecutionsStarted   int64         `json:"executions_started"`
	ExecutionsCompleted int64         `json:"executions_completed"`
	ExecutionsFailed    int64         `json:"executions_failed"`
	ExecutionsReverted  int64         `json:"executions_rolled_back"`
	ActiveExecutions    int64         `json:"active_executions"`
	TriggerFirings      int64         `json:"trigger_firings"`
	RollbacksSucceeded  int64         `json:"rollbacks_succeeded"`
	RollbacksFailed     int64         `json:"rollbacks_failed"`
	AverageDuration     time.Duration `json:"average_duration"`
	QueueDepth          int           `json:"queue_depth"`
	ActiveWorkers       int           `json:"active_workers"`
	Uptime              time.Duration `json:"uptime"`
}

// Collector tracks engine metrics
type Collector struct {
	mu sync.RWMutex

	// Counters
	executionsStarted   int64
	executionsCompleted int64
	executionsFailed    int64
	executionsReverted  int64
	triggerFirings      int64
	rollbacksSucceeded  int64
	rollbacksFailed     int64

	// Real-time metrics
	activeExecutions int64
	activeWorkers    int32
	queueDepth       int32

	durations []time.Duration
	startTime time.Time

	// Executions already counted as finished; the bus may redeliver a
	// terminal status through more than one event
	finished sync.Map

	registry        *prometheus.Registry
	promExecutions  *prometheus.CounterVec
	promDurations   *prometheus.HistogramVec
	promDowntime    prometheus.Histogram
	promActive      prometheus.Gauge
	promTriggers    *prometheus.CounterVec
	promRollbacks   *prometheus.CounterVec
	promRollbackDur prometheus.Histogram
	promIssues      *prometheus.CounterVec
	promQueueDepth  prometheus.Gauge
	promWorkers     prometheus.Gauge
}

// NewCollector creates a collector with its own Prometheus registry
func NewCollector() *Collector {
	c := &Collector{
		startTime: time.Now(),
		durations: make([]time.Duration, 0, maxDurations),
		registry:  prometheus.NewRegistry(),
	}

	c.promExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Executions by final or started status",
	}, []string{statusLabel})
	c.promDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of finished executions",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
	}, []string{strategyLabel, statusLabel})
	c.promDowntime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_downtime_seconds",
		Help:      "Observed downtime of finished executions",
		Buckets:   []float64{0, 1, 5, 15, 30, 60, 300},
	})
	c.promActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_executions",
		Help:      "Executions currently in progress",
	})
	c.promTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trigger_firings_total",
		Help:      "Rollback trigger firings by trigger and action",
	}, []string{"trigger", "action"})
	c.promRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Finished rollbacks by result",
	}, []string{"result"})
	c.promRollbackDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rollback_duration_seconds",
		Help:      "Duration of finished rollbacks",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	c.promIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "issues_total",
		Help:      "Issues recorded against executions by kind",
	}, []string{"kind"})
	c.promQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Submissions waiting for a worker",
	})
	c.promWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workers",
		Help:      "Workers available to run submissions",
	})

	c.registry.MustRegister(
		c.promExecutions, c.promDurations, c.promDowntime, c.promActive,
		c.promTriggers, c.promRollbacks, c.promRollbackDur, c.promIssues,
		c.promQueueDepth, c.promWorkers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Attach subscribes the collector to an event bus
func (c *Collector) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventStatusChanged, c.handleStatusChange)
	bus.Subscribe(events.EventTriggerFired, func(ev events.ExecutionEvent) {
		if ev.Trigger != nil {
			c.RecordTrigger(ev.Trigger.Trigger)
		}
	})
	bus.Subscribe(events.EventRollbackCompleted, func(ev events.ExecutionEvent) {
		if ev.Rollback != nil {
			c.RecordRollback(ev.Rollback)
		}
	})
	bus.Subscribe(events.EventIssueRecorded, func(ev events.ExecutionEvent) {
		if ev.Issue != nil {
			c.promIssues.WithLabelValues(string(ev.Issue.Kind)).Inc()
		}
	})
}

func (c *Collector) handleStatusChange(ev events.ExecutionEvent) {
	snap := ev.Snapshot
	if snap == nil {
		return
	}
	switch {
	case snap.Status == interfaces.StatusInProgress && ev.From == interfaces.StatusPending:
		c.RecordStarted(snap.ID)
	case snap.Status.IsTerminal():
		c.RecordFinished(snap)
	}
}

// RecordStarted records an execution leaving pending
func (c *Collector) RecordStarted(executionID string) {
	atomic.AddInt64(&c.executionsStarted, 1)
	atomic.AddInt64(&c.activeExecutions, 1)
	c.promExecutions.WithLabelValues("started").Inc()
	c.promActive.Inc()
}

// RecordFinished records an execution reaching a terminal status. Repeated
// calls for the same execution are ignored.
func (c *Collector) RecordFinished(e *interfaces.DeploymentExecution) {
	if _, seen := c.finished.LoadOrStore(e.ID, struct{}{}); seen {
		return
	}

	switch e.Status {
	case interfaces.StatusCompleted:
		atomic.AddInt64(&c.executionsCompleted, 1)
	case interfaces.StatusFailed:
		atomic.AddInt64(&c.executionsFailed, 1)
	case interfaces.StatusRolledBack:
		atomic.AddInt64(&c.executionsReverted, 1)
	case interfaces.StatusPending, interfaces.StatusInProgress, interfaces.StatusPaused:
		c.finished.Delete(e.ID)
		return
	}
	c.promExecutions.WithLabelValues(string(e.Status)).Inc()

	// Executions that fail before starting were never counted as active
	if e.StartedAt != nil {
		atomic.AddInt64(&c.activeExecutions, -1)
		c.promActive.Dec()
	}

	strategy := "none"
	if e.Strategy != nil {
		strategy = string(e.Strategy.Type)
	}
	duration := e.Metrics.Duration
	if duration == 0 && e.StartedAt != nil && e.CompletedAt != nil {
		duration = e.CompletedAt.Sub(*e.StartedAt)
	}
	c.promDurations.WithLabelValues(strategy, string(e.Status)).Observe(duration.Seconds())
	c.promDowntime.Observe(e.Metrics.Downtime.Seconds())

	c.mu.Lock()
	c.durations = append(c.durations, duration)
	// Keep only the most recent entries to avoid unbounded growth
	if len(c.durations) > maxDurations {
		c.durations = c.durations[len(c.durations)-maxDurations:]
	}
	c.mu.Unlock()
}

// RecordTrigger records a trigger firing
func (c *Collector) RecordTrigger(trigger interfaces.RollbackTrigger) {
	atomic.AddInt64(&c.triggerFirings, 1)
	c.promTriggers.WithLabelValues(trigger.Name, string(trigger.Action)).Inc()
}

// RecordRollback records a finished rollback
func (c *Collector) RecordRollback(result *interfaces.RollbackResult) {
	label := "failed"
	if result.Success {
		label = "succeeded"
		atomic.AddInt64(&c.rollbacksSucceeded, 1)
	} else {
		atomic.AddInt64(&c.rollbacksFailed, 1)
	}
	c.promRollbacks.WithLabelValues(label).Inc()
	if result.CompletedAt != nil {
		c.promRollbackDur.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())
	}
}

// UpdateQueueDepth updates the current queue depth
func (c *Collector) UpdateQueueDepth(depth int) {
	atomic.StoreInt32(&c.queueDepth, int32(depth)) // #nosec G115 - queue depth will never exceed int32 limits
	c.promQueueDepth.Set(float64(depth))
}

// UpdateActiveWorkers updates the number of active workers
func (c *Collector) UpdateActiveWorkers(count int) {
	atomic.StoreInt32(&c.activeWorkers, int32(count)) // #nosec G115 - worker count will never exceed int32 limits
	c.promWorkers.Set(float64(count))
}

// Summary returns the current metrics
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	avg := c.averageDurationNoLock()
	c.mu.RUnlock()

	return Summary{
		ExecutionsStarted:   atomic.LoadInt64(&c.executionsStarted),
		ExecutionsCompleted: atomic.LoadInt64(&c.executionsCompleted),
		ExecutionsFailed:    atomic.LoadInt64(&c.executionsFailed),
		ExecutionsReverted:  atomic.LoadInt64(&c.executionsReverted),
		ActiveExecutions:    atomic.LoadInt64(&c.activeExecutions),
		TriggerFirings:      atomic.LoadInt64(&c.triggerFirings),
		RollbacksSucceeded:  atomic.LoadInt64(&c.rollbacksSucceeded),
		RollbacksFailed:     atomic.LoadInt64(&c.rollbacksFailed),
		AverageDuration:     avg,
		QueueDepth:          int(atomic.LoadInt32(&c.queueDepth)),
		ActiveWorkers:       int(atomic.LoadInt32(&c.activeWorkers)),
		Uptime:              time.Since(c.startTime),
	}
}

// Registry returns the Prometheus registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) averageDurationNoLock() time.Duration {
	if len(c.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range c.durations {
		total += d
	}
	return total / time.Duration(len(c.durations))
}

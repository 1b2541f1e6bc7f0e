// Package monitor samples live metrics for running executions and fires
// rollback triggers after consecutive breaches.
package monitor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Watcher implements interfaces.Monitor
type Watcher struct {
	source interfaces.MetricSource
	clock  interfaces.Clock
	logger *logging.Logger

	mu    sync.RWMutex
	stats Stats
}

// Stats contains monitoring statistics
type Stats struct {
	ActiveWatches int
	Samples       int64
	SampleErrors  int64
	Firings       int64
	LastSample    time.Time
}

// Option is a functional option for configuring a Watcher
type Option func(*Watcher)

// WithClock sets the clock driving the sampling interval
func WithClock(c interfaces.Clock) Option {
	return func(w *Watcher) {
		w.clock = c
	}
}

// NewWatcher creates a monitor reading from source
func NewWatcher(source interfaces.MetricSource, opts ...Option) *Watcher {
	w := &Watcher{
		source: source,
		clock:  clock.New(),
		logger: logging.Monitor,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GetStats returns current monitoring statistics
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// triggerState tracks one trigger across samples
type triggerState struct {
	trigger     interfaces.RollbackTrigger
	consecutive int
	window      []float64
	fired       bool
	firedStatus interfaces.ExecutionStatus
}

// Watch starts sampling on cfg.Interval until ctx is cancelled, at which
// point the returned channel is closed. Each firing is delivered once.
func (w *Watcher) Watch(ctx context.Context, view interfaces.ExecutionView, cfg interfaces.MonitoringConfig,
	triggers []interfaces.RollbackTrigger,
) <-chan interfaces.TriggerEvaluation {
	out := make(chan interfaces.TriggerEvaluation, len(triggers))

	if len(triggers) == 0 || cfg.Interval <= 0 {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out
	}

	states := make([]*triggerState, len(triggers))
	for i, t := range triggers {
		states[i] = &triggerState{trigger: t}
	}

	w.mu.Lock()
	w.stats.ActiveWatches++
	w.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			w.mu.Lock()
			w.stats.ActiveWatches--
			w.mu.Unlock()
		}()

		ticker := w.clock.NewTicker(cfg.Interval)
		defer ticker.Stop()

		w.logger.Info("execution=%s watching %d triggers every %s (k=%d)",
			view.ExecutionID(), len(triggers), cfg.Interval, cfg.Breaches())

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				for _, ev := range w.evaluate(ctx, view, cfg.Breaches(), states) {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

// evaluate takes one sample of every distinct metric and updates each trigger
// in declared order
func (w *Watcher) evaluate(ctx context.Context, view interfaces.ExecutionView, k int,
	states []*triggerState,
) []interfaces.TriggerEvaluation {
	status := view.Status()
	for _, st := range states {
		if st.fired && status != st.firedStatus {
			w.logger.Debug("execution=%s trigger %s re-armed after status %s -> %s",
				view.ExecutionID(), st.trigger.Name, st.firedStatus, status)
			st.fired = false
			st.consecutive = 0
			st.window = nil
		}
	}

	values, errs := w.sample(ctx, states)
	now := w.clock.Now()

	var fired []interfaces.TriggerEvaluation
	for _, st := range states {
		if st.fired {
			continue
		}

		metric := st.trigger.Metric
		if err, failed := errs[metric]; failed {
			w.logger.Warn("execution=%s sampling %s failed, breach count for %s stays at %d: %v",
				view.ExecutionID(), metric, st.trigger.Name, st.consecutive, err)
			continue
		}

		value := values[metric]
		if !st.trigger.Comparison.Breached(value, st.trigger.Threshold) {
			st.consecutive = 0
			st.window = nil
			continue
		}

		st.consecutive++
		st.window = append(st.window, value)
		if len(st.window) > k {
			st.window = st.window[len(st.window)-k:]
		}
		if st.consecutive < k {
			continue
		}

		st.fired = true
		st.firedStatus = status
		logging.TriggerFired(view.ExecutionID(), st.trigger.Name, metric, value, st.trigger.Threshold, string(st.trigger.Action))
		fired = append(fired, interfaces.TriggerEvaluation{
			ExecutionID:         view.ExecutionID(),
			Trigger:             st.trigger,
			Value:               value,
			Samples:             append([]float64(nil), st.window...),
			ConsecutiveBreaches: st.consecutive,
			Status:              status,
			EvaluatedAt:         now,
		})
	}

	w.mu.Lock()
	w.stats.Firings += int64(len(fired))
	w.stats.LastSample = now
	w.mu.Unlock()
	return fired
}

// sample reads every distinct metric concurrently
func (w *Watcher) sample(ctx context.Context, states []*triggerState) (map[string]float64, map[string]error) {
	var metrics []string
	seen := make(map[string]bool)
	for _, st := range states {
		if seen[st.trigger.Metric] {
			continue
		}
		seen[st.trigger.Metric] = true
		metrics = append(metrics, st.trigger.Metric)
	}

	var mu sync.Mutex
	values := make(map[string]float64, len(metrics))
	errs := make(map[string]error)

	var g errgroup.Group
	for _, m := range metrics {
		metric := m
		g.Go(func() error {
			s, err := w.source.Sample(ctx, metric)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[metric] = err
				return nil
			}
			values[metric] = s.Value
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.stats.Samples += int64(len(values))
	w.stats.SampleErrors += int64(len(errs))
	w.mu.Unlock()
	return values, errs
}

package handlers

import (
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"

	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/metrics"
)

// OperationsHandler handles operational endpoints like config and runtime info
type OperationsHandler struct {
	config    *config.ServerConfig
	service   interfaces.ExecutionService
	collector *metrics.Collector
}

// NewOperationsHandler creates a new operations handler. collector may be nil.
func NewOperationsHandler(
	cfg *config.ServerConfig,
	service interfaces.ExecutionService,
	collector *metrics.Collector,
) *OperationsHandler {
	return &OperationsHandler{
		config:    cfg,
		service:   service,
		collector: collector,
	}
}

// RegisterRoutes registers all operational routes
func (h *OperationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/system/config", h.GetConfig)
	r.Get("/system/runtime", h.GetRuntimeInfo)
	r.Get("/system/metrics", h.GetMetricsSummary)
}

// GetConfig returns the sanitized server configuration
func (h *OperationsHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	info := h.config.GetSanitized()
	info["version"] = config.AppVersion
	info["engine"] = map[string]interface{}{
		"execution_timeout": h.config.Engine.ExecutionTimeout.String(),
		"risk_policy":       h.config.Engine.Risk.Version,
	}
	WriteJSON(w, http.StatusOK, info)
}

// GetRuntimeInfo returns runtime statistics of the server process
func (h *OperationsHandler) GetRuntimeInfo(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := map[string]interface{}{
		"go_version":     runtime.Version(),
		"num_goroutines": runtime.NumGoroutine(),
		"num_cpu":        runtime.NumCPU(),
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
		"config": map[string]interface{}{
			"port":       h.config.Port,
			"debug":      h.config.Debug,
			"queue_type": h.config.Queue.Type,
			"workers":    h.config.Queue.Workers,
		},
	}
	if h.service != nil {
		info["queue"] = map[string]interface{}{
			"depth": h.service.QueueMetrics().CurrentDepth,
		}
	}
	WriteJSON(w, http.StatusOK, info)
}

// GetMetricsSummary returns the engine counters as JSON
func (h *OperationsHandler) GetMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	if h.collector == nil {
		WriteError(w, http.StatusNotFound, "not_found", "Metrics collection is not enabled")
		return
	}
	s := h.collector.Summary()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"executions": map[string]int64{
			"started":     s.ExecutionsStarted,
			"completed":   s.ExecutionsCompleted,
			"failed":      s.ExecutionsFailed,
			"rolled_back": s.ExecutionsReverted,
			"active":      s.ActiveExecutions,
		},
		"trigger_firings": s.TriggerFirings,
		"rollbacks": map[string]int64{
			"succeeded": s.RollbacksSucceeded,
			"failed":    s.RollbacksFailed,
		},
		"average_duration": s.AverageDuration.String(),
		"queue_depth":      s.QueueDepth,
		"active_workers":   s.ActiveWorkers,
		"uptime":           s.Uptime.String(),
	})
}

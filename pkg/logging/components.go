// Package logging provides structured logging support for the rollout engine
package logging

// Component-specific loggers

// Risk logger for risk assessment
var Risk = NewLogger("risk")

// Strategy logger for strategy selection
var Strategy = NewLogger("strategy")

// Phase logger for phase execution
var Phase = NewLogger("phase")

// Monitor logger for trigger evaluation
var Monitor = NewLogger("monitor")

// Rollback logger for rollback execution
var Rollback = NewLogger("rollback")

// Orchestrator logger for execution lifecycle
var Orchestrator = NewLogger("orchestrator")

// TriggerFired logs a rollback trigger that crossed its breach budget
func TriggerFired(executionID, trigger, metric string, value, threshold float64, action string) {
	Monitor.Warn("execution=%s trigger=%s metric=%s value=%g threshold=%g action=%s",
		executionID, trigger, metric, value, threshold, action)
}

// StatusTransition logs an execution status change
func StatusTransition(executionID, from, to string) {
	Orchestrator.Info("execution=%s status %s -> %s", executionID, from, to)
}

// HealthCheckAttempt logs a single health check attempt
func HealthCheckAttempt(component, check string, attempt int, passed bool, detail string) {
	if passed {
		Phase.Debug("component=%s check=%s attempt=%d status=pass", component, check, attempt)
		return
	}
	Phase.Debug("component=%s check=%s attempt=%d status=fail detail=%q", component, check, attempt, detail)
}

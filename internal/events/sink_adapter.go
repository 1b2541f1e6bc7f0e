package events

import (
	"context"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

var logger = logging.NewLogger("event-adapter")

// sinkTimeout bounds a single snapshot write
const sinkTimeout = 10 * time.Second

// ConnectSinkToEventBus stores every execution snapshot in sink. Sinks must
// tolerate out-of-order delivery by comparing snapshot revisions.
func ConnectSinkToEventBus(eventBus *EventBus, sink interfaces.SnapshotSink) {
	eventBus.Subscribe(EventExecutionUpdated, func(event ExecutionEvent) {
		if event.Snapshot == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := sink.SaveExecution(ctx, event.Snapshot); err != nil {
			logger.Error("Failed to save execution %s revision %d: %v", event.ExecutionID, event.Snapshot.Revision, err)
		}
	})
}

// ConnectFinalSinkToEventBus stores only snapshots of executions that reached
// a terminal status, for archives and history
func ConnectFinalSinkToEventBus(eventBus *EventBus, sink interfaces.SnapshotSink) {
	eventBus.Subscribe(EventStatusChanged, func(event ExecutionEvent) {
		if event.Snapshot == nil || !event.Snapshot.Status.IsTerminal() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := sink.SaveExecution(ctx, event.Snapshot); err != nil {
			logger.Error("Failed to archive execution %s: %v", event.ExecutionID, err)
			return
		}
		logger.Debug("Archived execution %s (%s)", event.ExecutionID, event.Snapshot.Status)
	})
}

// ConnectAuditLog logs issues and trigger firings as they are recorded
func ConnectAuditLog(eventBus *EventBus) {
	eventBus.Subscribe(EventIssueRecorded, func(event ExecutionEvent) {
		if event.Issue != nil {
			logger.Warn("execution=%s issue kind=%s component=%s: %s",
				event.ExecutionID, event.Issue.Kind, event.Issue.Component, event.Issue.Message)
		}
	})
	eventBus.Subscribe(EventRollbackCompleted, func(event ExecutionEvent) {
		if event.Rollback != nil {
			logger.Info("execution=%s rollback %s success=%t", event.ExecutionID, event.Rollback.State, event.Rollback.Success)
		}
	})
}

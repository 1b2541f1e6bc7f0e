// Package events provides the event bus that carries execution snapshots to
// trackers, metrics and API subscribers.
package events

import (
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// EventType represents the type of execution event
type EventType string

const (
	// EventExecutionUpdated is emitted after every mutation of an execution
	EventExecutionUpdated EventType = "execution_updated"
	// EventStatusChanged is emitted when an execution changes status
	EventStatusChanged EventType = "status_changed"
	// EventPhaseCompleted is emitted when a phase reaches a final phase status
	EventPhaseCompleted EventType = "phase_completed"
	// EventTriggerFired is emitted when the monitor fires a rollback trigger
	EventTriggerFired EventType = "trigger_fired"
	// EventIssueRecorded is emitted for each issue added to an execution
	EventIssueRecorded EventType = "issue_recorded"
	// EventRollbackCompleted is emitted when a rollback reaches a terminal state
	EventRollbackCompleted EventType = "rollback_completed"
)

// ExecutionEvent represents an event in the execution lifecycle. Snapshot is
// a deep copy taken at publish time and must not be modified by handlers.
type ExecutionEvent struct {
	Type        EventType
	ExecutionID string
	Timestamp   time.Time
	Snapshot    *interfaces.DeploymentExecution

	// Event-specific data
	From     interfaces.ExecutionStatus
	Phase    *interfaces.ExecutionPhase
	Trigger  *interfaces.TriggerEvaluation
	Issue    *interfaces.Issue
	Rollback *interfaces.RollbackResult
}

// EventHandler is a function that handles execution events
type EventHandler func(event ExecutionEvent)

// EventBus manages execution event subscriptions and dispatching
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	synchronous bool // When true, handlers are called synchronously (for testing)
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// NewSynchronousEventBus creates a new event bus that calls handlers synchronously (for testing)
func NewSynchronousEventBus() *EventBus {
	return &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		synchronous: true,
	}
}

// Subscribe registers a handler for specific event types
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Channel returns a buffered channel receiving events of the given types and
// a function that stops delivery. Events are dropped when the buffer is full.
func (eb *EventBus) Channel(buffer int, types ...EventType) (<-chan ExecutionEvent, func()) {
	ch := make(chan ExecutionEvent, buffer)
	var mu sync.Mutex
	closed := false

	handler := func(event ExecutionEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- event:
		default:
		}
	}
	for _, t := range types {
		eb.Subscribe(t, handler)
	}

	return ch, func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish sends an event to all registered handlers
func (eb *EventBus) Publish(event ExecutionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	synchronous := eb.synchronous
	eb.mu.RUnlock()

	if synchronous {
		// Call handlers synchronously for testing
		for _, handler := range handlers {
			handler(event)
		}
	} else {
		// Call handlers asynchronously to avoid blocking the controller
		for _, handler := range handlers {
			go handler(event)
		}
	}
}

// PublishSnapshot is a convenience method for execution_updated events
func (eb *EventBus) PublishSnapshot(snapshot *interfaces.DeploymentExecution) {
	eb.Publish(ExecutionEvent{
		Type:        EventExecutionUpdated,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
	})
}

// PublishStatusChange is a convenience method for status change events
func (eb *EventBus) PublishStatusChange(snapshot *interfaces.DeploymentExecution, from interfaces.ExecutionStatus) {
	eb.Publish(ExecutionEvent{
		Type:        EventStatusChanged,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
		From:        from,
	})
}

// PublishPhase is a convenience method for phase completion events
func (eb *EventBus) PublishPhase(snapshot *interfaces.DeploymentExecution, phase *interfaces.ExecutionPhase) {
	eb.Publish(ExecutionEvent{
		Type:        EventPhaseCompleted,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
		Phase:       phase,
	})
}

// PublishTrigger is a convenience method for trigger events
func (eb *EventBus) PublishTrigger(snapshot *interfaces.DeploymentExecution, ev interfaces.TriggerEvaluation) {
	eb.Publish(ExecutionEvent{
		Type:        EventTriggerFired,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
		Trigger:     &ev,
	})
}

// PublishIssue is a convenience method for issue events
func (eb *EventBus) PublishIssue(snapshot *interfaces.DeploymentExecution, issue interfaces.Issue) {
	eb.Publish(ExecutionEvent{
		Type:        EventIssueRecorded,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
		Issue:       &issue,
	})
}

// PublishRollback is a convenience method for rollback completion events
func (eb *EventBus) PublishRollback(snapshot *interfaces.DeploymentExecution, result *interfaces.RollbackResult) {
	eb.Publish(ExecutionEvent{
		Type:        EventRollbackCompleted,
		ExecutionID: snapshot.ID,
		Snapshot:    snapshot,
		Rollback:    result,
	})
}

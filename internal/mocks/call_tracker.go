package mocks

import (
	"sync"
	"time"
)

// CallTracker records calls made against a fake, safe for concurrent use by
// the phase executor's worker pool
type CallTracker[T any] struct {
	mu    sync.Mutex
	calls []T
}

// NewCallTracker creates an empty tracker
func NewCallTracker[T any]() *CallTracker[T] {
	return &CallTracker[T]{}
}

// RecordCall appends a call
func (ct *CallTracker[T]) RecordCall(call T) {
	ct.mu.Lock()
	ct.calls = append(ct.calls, call)
	ct.mu.Unlock()
}

// GetCalls returns a copy of the calls in the order they were recorded
func (ct *CallTracker[T]) GetCalls() []T {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return append([]T(nil), ct.calls...)
}

// GetCallCount returns the number of recorded calls
func (ct *CallTracker[T]) GetCallCount() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.calls)
}

// ComponentCall is one deploy or revert of a component
type ComponentCall struct {
	Method      string
	ExecutionID string
	Component   string
	Artifact    string
	Timestamp   time.Time
	Error       error
}

// NewComponentCall stamps a call with the current time
func NewComponentCall(method, executionID, component, artifact string, err error) ComponentCall {
	return ComponentCall{
		Method:      method,
		ExecutionID: executionID,
		Component:   component,
		Artifact:    artifact,
		Timestamp:   time.Now(),
		Error:       err,
	}
}

// Components returns the component names of calls in order
func Components(calls []ComponentCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Component
	}
	return out
}

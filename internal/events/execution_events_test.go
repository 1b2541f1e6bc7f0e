package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/mocks"
)

func snapshot(status interfaces.ExecutionStatus) *interfaces.DeploymentExecution {
	return &interfaces.DeploymentExecution{ID: "exec-1", Status: status, Revision: 4}
}

func TestEventBus(t *testing.T) {
	t.Parallel()

	t.Run("StatusChangeEvent", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var received ExecutionEvent
		var wg sync.WaitGroup
		wg.Add(1)

		eb.Subscribe(EventStatusChanged, func(event ExecutionEvent) {
			received = event
			wg.Done()
		})

		eb.PublishStatusChange(snapshot(interfaces.StatusCompleted), interfaces.StatusInProgress)
		wg.Wait()

		assert.Equal(t, EventStatusChanged, received.Type)
		assert.Equal(t, "exec-1", received.ExecutionID)
		assert.Equal(t, interfaces.StatusInProgress, received.From)
		require.NotNil(t, received.Snapshot)
		assert.Equal(t, interfaces.StatusCompleted, received.Snapshot.Status)
		assert.False(t, received.Timestamp.IsZero())
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		t.Parallel()
		eb := NewEventBus()

		var count int
		var mu sync.Mutex
		var wg sync.WaitGroup
		wg.Add(3)

		for i := 0; i < 3; i++ {
			eb.Subscribe(EventIssueRecorded, func(_ ExecutionEvent) {
				mu.Lock()
				count++
				mu.Unlock()
				wg.Done()
			})
		}

		eb.PublishIssue(snapshot(interfaces.StatusInProgress), interfaces.Issue{Kind: interfaces.KindHealthCheckFailed})
		wg.Wait()

		assert.Equal(t, 3, count)
	})

	t.Run("OnlyMatchingType", func(t *testing.T) {
		t.Parallel()
		eb := NewSynchronousEventBus()

		called := false
		eb.Subscribe(EventRollbackCompleted, func(_ ExecutionEvent) { called = true })
		eb.PublishSnapshot(snapshot(interfaces.StatusInProgress))

		assert.False(t, called)
	})
}

func TestEventBusChannel(t *testing.T) {
	t.Parallel()

	eb := NewSynchronousEventBus()
	ch, stop := eb.Channel(4, EventTriggerFired, EventPhaseCompleted)

	eb.PublishTrigger(snapshot(interfaces.StatusInProgress), interfaces.TriggerEvaluation{Value: 0.2})
	eb.PublishPhase(snapshot(interfaces.StatusInProgress), &interfaces.ExecutionPhase{Name: "deployment"})
	eb.PublishSnapshot(snapshot(interfaces.StatusInProgress))

	first := <-ch
	require.NotNil(t, first.Trigger)
	assert.InDelta(t, 0.2, first.Trigger.Value, 1e-9)
	second := <-ch
	require.NotNil(t, second.Phase)
	assert.Equal(t, "deployment", second.Phase.Name)

	stop()
	stop()
	eb.PublishPhase(snapshot(interfaces.StatusInProgress), &interfaces.ExecutionPhase{Name: "validation"})
	_, ok := <-ch
	assert.False(t, ok)
}

func TestConnectSinkToEventBus(t *testing.T) {
	t.Parallel()

	sink := &mocks.SnapshotSink{}
	sink.On("SaveExecution", mock.Anything, mock.MatchedBy(func(e *interfaces.DeploymentExecution) bool {
		return e.ID == "exec-1" && e.Revision == 4
	})).Return(nil).Once()

	eb := NewSynchronousEventBus()
	ConnectSinkToEventBus(eb, sink)
	eb.PublishSnapshot(snapshot(interfaces.StatusInProgress))

	sink.AssertExpectations(t)
}

func TestConnectFinalSinkOnlyStoresTerminal(t *testing.T) {
	t.Parallel()

	var saved []interfaces.ExecutionStatus
	sink := &mocks.SnapshotSink{}
	sink.On("SaveExecution", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			saved = append(saved, args.Get(1).(*interfaces.DeploymentExecution).Status)
		}).
		Return(nil)

	eb := NewSynchronousEventBus()
	ConnectFinalSinkToEventBus(eb, sink)
	eb.PublishStatusChange(snapshot(interfaces.StatusInProgress), interfaces.StatusPending)
	eb.PublishStatusChange(snapshot(interfaces.StatusRolledBack), interfaces.StatusInProgress)

	assert.Equal(t, []interfaces.ExecutionStatus{interfaces.StatusRolledBack}, saved)
}

func TestAsyncPublishDoesNotBlock(t *testing.T) {
	t.Parallel()

	eb := NewEventBus()
	release := make(chan struct{})
	eb.Subscribe(EventExecutionUpdated, func(_ ExecutionEvent) { <-release })

	done := make(chan struct{})
	go func() {
		eb.PublishSnapshot(snapshot(interfaces.StatusInProgress))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow handler")
	}
	close(release)
}

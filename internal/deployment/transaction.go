package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// TransactionCoordinator runs multi-step operations that must either all
// succeed or be compensated
type TransactionCoordinator struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
}

// Transaction is an ordered set of operations and their compensations
type Transaction struct {
	ID            string
	Operations    []Operation
	Compensations []Compensation
	State         TransactionState
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Operation is one forward step of a transaction
type Operation struct {
	Name string
	Func func(ctx context.Context) error
}

// Compensation undoes a completed Operation
type Compensation struct {
	Name string
	Func func(ctx context.Context) error
}

// TransactionState is the lifecycle state of a transaction
type TransactionState int

// Transaction states
const (
	TransactionPending TransactionState = iota
	TransactionInProgress
	TransactionCommitted
	TransactionRolledBack
	// TransactionFailed means a compensation also failed
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPending:
		return "pending"
	case TransactionInProgress:
		return "in_progress"
	case TransactionCommitted:
		return "committed"
	case TransactionRolledBack:
		return "rolled_back"
	case TransactionFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// NewTransactionCoordinator creates a new transaction coordinator
func NewTransactionCoordinator() *TransactionCoordinator {
	return &TransactionCoordinator{
		transactions: make(map[string]*Transaction),
	}
}

// BeginTransaction starts a new transaction
func (tc *TransactionCoordinator) BeginTransaction(id string) *Transaction {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tx := &Transaction{
		ID:            id,
		State:         TransactionPending,
		StartedAt:     time.Now(),
		Operations:    []Operation{},
		Compensations: []Compensation{},
	}
	tc.transactions[id] = tx
	return tx
}

// AddOperation adds an operation with its compensation. Compensations run
// in reverse order of their operations.
func (tx *Transaction) AddOperation(op Operation, comp Compensation) {
	tx.Operations = append(tx.Operations, op)
	tx.Compensations = append([]Compensation{comp}, tx.Compensations...)
}

// Execute runs the operations of txID in order, compensating the completed
// ones if any fails. Finished transactions are forgotten.
func (tc *TransactionCoordinator) Execute(ctx context.Context, txID string) error {
	tc.mu.Lock()
	tx, exists := tc.transactions[txID]
	if !exists {
		tc.mu.Unlock()
		return fmt.Errorf("transaction %s not found", txID)
	}
	tx.State = TransactionInProgress
	tc.mu.Unlock()
	defer tc.forget(txID)

	completed := 0
	for i, op := range tx.Operations {
		if err := ctx.Err(); err != nil {
			return tc.rollback(ctx, tx, completed, fmt.Errorf("transaction canceled: %w", err))
		}
		if err := op.Func(ctx); err != nil {
			return tc.rollback(ctx, tx, completed, fmt.Errorf("operation %s failed: %w", op.Name, err))
		}
		completed = i + 1
	}

	tc.mu.Lock()
	tx.State = TransactionCommitted
	now := time.Now()
	tx.CompletedAt = &now
	tc.mu.Unlock()
	return nil
}

// State returns the state of an in-flight transaction
func (tc *TransactionCoordinator) State(txID string) (TransactionState, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tx, ok := tc.transactions[txID]
	if !ok {
		return TransactionPending, false
	}
	return tx.State, true
}

func (tc *TransactionCoordinator) forget(txID string) {
	tc.mu.Lock()
	delete(tc.transactions, txID)
	tc.mu.Unlock()
}

// rollback runs the compensations of the first completed operations, newest first
func (tc *TransactionCoordinator) rollback(ctx context.Context, tx *Transaction, completed int, cause error) error {
	tc.mu.Lock()
	tx.State = TransactionRolledBack
	tc.mu.Unlock()

	// Compensations must run even when the caller gave up
	ctx = context.WithoutCancel(ctx)
	comps := tx.Compensations[len(tx.Compensations)-completed:]

	var errs []error
	for _, comp := range comps {
		if err := comp.Func(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensation %s failed: %w", comp.Name, err))
		}
	}

	tc.mu.Lock()
	if len(errs) > 0 {
		tx.State = TransactionFailed
	}
	now := time.Now()
	tx.CompletedAt = &now
	tc.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("transaction failed: %w (rollback errors: %w)", cause, errors.Join(errs...))
	}
	return cause
}

// SubmitTransaction registers a submission's placeholder and enqueues it as
// one unit. A failed enqueue removes the placeholder again.
func SubmitTransaction(
	ctx context.Context,
	tc *TransactionCoordinator,
	registry interfaces.ExecutionRegistry,
	queue interfaces.SubmissionQueue,
	s *interfaces.Submission,
) error {
	tx := tc.BeginTransaction(s.ID)

	tx.AddOperation(
		Operation{
			Name: "register_execution",
			Func: func(ctx context.Context) error {
				return registry.Register(ctx, s)
			},
		},
		Compensation{
			Name: "unregister_execution",
			Func: func(ctx context.Context) error {
				return registry.Remove(ctx, s.ID)
			},
		},
	)
	tx.AddOperation(
		Operation{
			Name: "enqueue_submission",
			Func: func(ctx context.Context) error {
				return queue.Enqueue(ctx, s)
			},
		},
		Compensation{
			Name: "cancel_submission",
			Func: func(ctx context.Context) error {
				err := queue.Cancel(ctx, s.ID)
				if interfaces.IsKind(err, interfaces.KindNotFound) {
					return nil
				}
				return err
			},
		},
	)

	return tc.Execute(ctx, s.ID)
}

package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// DefaultRetention is how long execution snapshots live in Redis
const DefaultRetention = 7 * 24 * time.Hour

// saveScript stores a snapshot only when its revision is newer than the one
// held. A placeholder at revision 0 is always replaceable.
var saveScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'revision') or '-1')
local rev = tonumber(ARGV[1])
if cur > 0 and cur >= rev then
  return 0
end
redis.call('HSET', KEYS[1], 'revision', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Tracker implements interfaces.ExecutionStore and interfaces.HistoryProvider
// using Redis hashes, a sorted index by creation time and one history set per
// plan and environment
type Tracker struct {
	redis     redis.UniversalClient
	retention time.Duration
	logger    *logging.Logger
}

// NewTracker creates a new distributed execution tracker
func NewTracker(client redis.UniversalClient, retention time.Duration) (*Tracker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		redis:     client,
		retention: retention,
		logger:    logging.NewLogger("distributed-tracker"),
	}, nil
}

// Register stores the pending placeholder of a queued submission
func (t *Tracker) Register(ctx context.Context, s *interfaces.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}

	n, err := t.redis.Exists(ctx, executionKey(s.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check execution %s: %w", s.ID, err)
	}
	if n > 0 {
		return fmt.Errorf("execution %s already exists", s.ID)
	}
	return t.SaveExecution(ctx, s.Placeholder())
}

// SaveExecution stores a snapshot unless a newer revision is already held
func (t *Tracker) SaveExecution(ctx context.Context, execution *interfaces.DeploymentExecution) error {
	if execution == nil {
		return fmt.Errorf("execution is nil")
	}
	if execution.ID == "" {
		return fmt.Errorf("execution ID is empty")
	}

	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	stored, err := saveScript.Run(ctx, t.redis,
		[]string{executionKey(execution.ID)},
		execution.Revision, data, t.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store execution %s: %w", execution.ID, err)
	}
	if stored == 0 {
		t.logger.Debug("execution=%s dropping stale revision %d", execution.ID, execution.Revision)
		return nil
	}

	_, err = t.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, indexKey(), redis.Z{
			Score:  float64(execution.CreatedAt.UnixNano()),
			Member: execution.ID,
		})
		if execution.Status.IsTerminal() {
			hk := historyKey(execution.PlanKey(), execution.Environment)
			pipe.SAdd(ctx, hk, execution.ID)
			pipe.Expire(ctx, hk, t.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index execution %s: %w", execution.ID, err)
	}
	return nil
}

// GetExecution returns the stored execution
func (t *Tracker) GetExecution(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution ID is empty")
	}

	data, err := t.redis.HGet(ctx, executionKey(executionID), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.NewError(interfaces.KindNotFound, "execution %s not found", executionID).ForExecution(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution interfaces.DeploymentExecution
	if err := json.Unmarshal([]byte(data), &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &execution, nil
}

// ListExecutions returns executions matching filter, newest first. Index
// entries whose snapshot expired are pruned as they are found.
func (t *Tracker) ListExecutions(ctx context.Context, filter interfaces.ExecutionFilter) ([]*interfaces.DeploymentExecution, error) {
	ids, err := t.redis.ZRevRange(ctx, indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	if len(ids) == 0 {
		return []*interfaces.DeploymentExecution{}, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = t.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, executionKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}

	results := make([]*interfaces.DeploymentExecution, 0, len(ids))
	var expired []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			continue // Skip if can't read
		}

		var execution interfaces.DeploymentExecution
		if err := json.Unmarshal([]byte(data), &execution); err != nil {
			t.logger.Warn("execution=%s has an unreadable snapshot: %v", ids[i], err)
			continue
		}
		if !filter.Matches(&execution) {
			continue
		}
		results = append(results, &execution)
		if filter.Limit > 0 && len(results) == filter.Limit {
			break
		}
	}

	if len(expired) > 0 {
		if err := t.redis.ZRem(ctx, indexKey(), expired...).Err(); err != nil {
			t.logger.Warn("failed to prune %d expired executions: %v", len(expired), err)
		}
	}
	return results, nil
}

// CountExecutions counts finished executions of a plan in an environment
func (t *Tracker) CountExecutions(ctx context.Context, planKey, environment string) (int, error) {
	n, err := t.redis.SCard(ctx, historyKey(planKey, environment)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return int(n), nil
}

// MarkFailed forces a non-terminal record to failed
func (t *Tracker) MarkFailed(ctx context.Context, executionID string, cause error) error {
	execution, err := t.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	kind := interfaces.KindPhaseFailure
	if e, ok := interfaces.AsError(cause); ok {
		kind = e.Kind
	}
	execution.Status = interfaces.StatusFailed
	execution.Revision++
	execution.UpdatedAt = now
	execution.CompletedAt = &now
	execution.Issues = append(execution.Issues, interfaces.Issue{
		Kind:       kind,
		Message:    cause.Error(),
		RecordedAt: now,
	})
	t.logger.Warn("execution=%s marked failed: %v", executionID, cause)
	return t.SaveExecution(ctx, execution)
}

// Remove deletes an execution from the tracker
func (t *Tracker) Remove(ctx context.Context, executionID string) error {
	if executionID == "" {
		return fmt.Errorf("execution ID is empty")
	}
	_, err := t.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, executionKey(executionID))
		pipe.ZRem(ctx, indexKey(), executionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove execution %s: %w", executionID, err)
	}
	return nil
}

var _ interfaces.ExecutionRegistry = (*Tracker)(nil)

func executionKey(executionID string) string {
	return fmt.Sprintf("%s:execution:%s", keyPrefix, executionID)
}

func indexKey() string {
	return keyPrefix + ":executions"
}

func historyKey(planKey, environment string) string {
	return fmt.Sprintf("%s:history:%s:%s", keyPrefix, environment, planKey)
}

package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// CommandKind names an operator command sent to the worker running an execution
type CommandKind string

// Control commands
const (
	CommandCancel   CommandKind = "cancel"
	CommandRollback CommandKind = "rollback"
)

// Command is an operator request for a running execution
type Command struct {
	Kind        CommandKind `json:"kind"`
	ExecutionID string      `json:"execution_id"`
	Reason      string      `json:"reason,omitempty"`
}

// Validate checks the command before it is published or handled
func (c Command) Validate() error {
	if c.ExecutionID == "" {
		return interfaces.NewError(interfaces.KindValidation, "command requires an execution ID")
	}
	switch c.Kind {
	case CommandCancel, CommandRollback:
		return nil
	default:
		return interfaces.NewError(interfaces.KindValidation, "unknown command %q", c.Kind)
	}
}

// CommandHandler applies a command to a locally running execution. It should
// return a not_found error when the execution runs elsewhere.
type CommandHandler func(ctx context.Context, cmd Command) error

// ControlBus fans operator commands out to every worker over Redis pub/sub.
// Only the worker holding the execution acts on a command.
type ControlBus struct {
	redis  redis.UniversalClient
	logger *logging.Logger
}

// NewControlBus creates a control bus over an existing client
func NewControlBus(client redis.UniversalClient) (*ControlBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &ControlBus{
		redis:  client,
		logger: logging.NewLogger("control-bus"),
	}, nil
}

// Publish sends cmd to all listening workers and returns how many received it
func (b *ControlBus) Publish(ctx context.Context, cmd Command) (int64, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal command: %w", err)
	}
	receivers, err := b.redis.Publish(ctx, controlChannel(), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s for execution %s: %w", cmd.Kind, cmd.ExecutionID, err)
	}
	b.logger.Debug("execution=%s %s published to %d workers", cmd.ExecutionID, cmd.Kind, receivers)
	return receivers, nil
}

// Listen delivers commands to handle until ctx ends. Each command is handled
// on its own goroutine so a slow rollback does not hold up the next cancel.
func (b *ControlBus) Listen(ctx context.Context, handle CommandHandler) error {
	sub := b.redis.Subscribe(ctx, controlChannel())
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Warn("Failed to close control subscription: %v", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, open := <-ch:
			if !open {
				return fmt.Errorf("control subscription closed")
			}
			cmd, err := decodeCommand(msg.Payload)
			if err != nil {
				b.logger.Warn("Ignoring malformed control message: %v", err)
				continue
			}
			go b.dispatch(ctx, handle, cmd)
		}
	}
}

// Cancel asks the worker running executionID to stop it
func (b *ControlBus) Cancel(ctx context.Context, executionID string) error {
	return b.send(ctx, Command{Kind: CommandCancel, ExecutionID: executionID})
}

// ForceRollback asks the worker running executionID to roll it back. The
// rollback happens asynchronously, so no result is returned; callers read it
// from the tracker once the execution is terminal.
func (b *ControlBus) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	return nil, b.send(ctx, Command{Kind: CommandRollback, ExecutionID: executionID, Reason: reason})
}

func (b *ControlBus) send(ctx context.Context, cmd Command) error {
	receivers, err := b.Publish(ctx, cmd)
	if err != nil {
		return err
	}
	if receivers == 0 {
		return interfaces.NewError(interfaces.KindNotFound, "no worker is listening for commands").ForExecution(cmd.ExecutionID)
	}
	return nil
}

func (b *ControlBus) dispatch(ctx context.Context, handle CommandHandler, cmd Command) {
	err := handle(context.WithoutCancel(ctx), cmd)
	switch {
	case err == nil:
		b.logger.Info("execution=%s %s applied", cmd.ExecutionID, cmd.Kind)
	case interfaces.IsKind(err, interfaces.KindNotFound):
		// Executions running on another worker
	default:
		b.logger.Warn("execution=%s %s failed: %v", cmd.ExecutionID, cmd.Kind, err)
	}
}

func decodeCommand(payload string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func controlChannel() string {
	return keyPrefix + ":control"
}

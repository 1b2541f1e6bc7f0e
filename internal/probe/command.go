package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Component configuration keys read by the command adapters
const (
	DeployCommandKey = "deploy_cmd"
	RevertCommandKey = "revert_cmd"
	CommandParameter = "command"
)

// maxOutputBytes bounds the command output kept for error messages
const maxOutputBytes = 4096

// Runner executes shell commands with rollout context in the environment
type Runner struct {
	Shell  string
	Env    []string
	logger *logging.Logger
}

// NewRunner creates a runner using /bin/sh
func NewRunner() *Runner {
	return &Runner{Shell: "/bin/sh", logger: logging.NewLogger("command-runner")}
}

// Run executes command, passing vars as ROLLOUT_* environment variables.
// The process is killed when ctx ends.
func (r *Runner) Run(ctx context.Context, command string, vars map[string]string) error {
	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	// Children of the shell may hold the output pipe after it is killed
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), r.Env...)
	for k, v := range vars {
		cmd.Env = append(cmd.Env, "ROLLOUT_"+strings.ToUpper(k)+"="+v)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("command=%q exit=%v elapsed=%s", command, err, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("command %q failed: %w: %s", command, err, truncate(out.String()))
	}
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputBytes {
		return s[len(s)-maxOutputBytes:]
	}
	return s
}

// CommandDeployer runs each component's deploy_cmd and revert_cmd. A
// component without a deploy command is treated as deployed.
type CommandDeployer struct {
	runner *Runner
	logger *logging.Logger
}

// NewCommandDeployer creates a deployer on runner
func NewCommandDeployer(runner *Runner) *CommandDeployer {
	return &CommandDeployer{runner: runner, logger: logging.NewLogger("command-deployer")}
}

// Deploy implements interfaces.ComponentDeployer
func (d *CommandDeployer) Deploy(ctx context.Context, req interfaces.DeployRequest) error {
	command := req.Component.Configuration[DeployCommandKey]
	if command == "" {
		d.logger.Debug("execution=%s component=%s has no %s, nothing to run", req.ExecutionID, req.Component.Name, DeployCommandKey)
		return nil
	}
	return d.runner.Run(ctx, command, map[string]string{
		"execution_id": req.ExecutionID,
		"component":    req.Component.Name,
		"artifact":     req.Component.Artifact,
	})
}

// Revert implements interfaces.ComponentDeployer. Without a revert command
// the deploy command is re-run with the previous artifact.
func (d *CommandDeployer) Revert(ctx context.Context, req interfaces.RevertRequest) error {
	command := req.Component.Configuration[RevertCommandKey]
	if command == "" {
		command = req.Component.Configuration[DeployCommandKey]
	}
	if command == "" {
		return interfaces.NewError(interfaces.KindValidation,
			"component %q has no %s or %s", req.Component.Name, RevertCommandKey, DeployCommandKey)
	}
	vars := map[string]string{
		"execution_id": req.ExecutionID,
		"component":    req.Component.Name,
		"artifact":     req.Artifact,
	}
	for k, v := range req.Parameters {
		vars["param_"+k] = v
	}
	return d.runner.Run(ctx, command, vars)
}

// StepHandler runs the command parameter of a rollback step. It serves
// run_command, restore_backup and switch_traffic steps.
func (d *CommandDeployer) StepHandler() interfaces.StepHandler {
	return interfaces.StepHandlerFunc(func(ctx context.Context, executionID string, step interfaces.RollbackStep) error {
		command := step.Parameters[CommandParameter]
		if command == "" {
			return interfaces.NewError(interfaces.KindValidation, "rollback step %q has no command", step.Name)
		}
		vars := map[string]string{
			"execution_id": executionID,
			"step":         step.Name,
			"action":       string(step.Action),
			"component":    step.Component,
		}
		return d.runner.Run(ctx, command, vars)
	})
}

// CommandTrafficSwitcher runs a fixed command to move traffic
type CommandTrafficSwitcher struct {
	runner  *Runner
	command string
}

// NewCommandTrafficSwitcher creates a switcher running command
func NewCommandTrafficSwitcher(runner *Runner, command string) *CommandTrafficSwitcher {
	return &CommandTrafficSwitcher{runner: runner, command: command}
}

// Switch implements interfaces.TrafficSwitcher
func (s *CommandTrafficSwitcher) Switch(ctx context.Context, executionID string, components []string) error {
	return s.runner.Run(ctx, s.command, map[string]string{
		"execution_id": executionID,
		"components":   strings.Join(components, ","),
	})
}

// commandCheckConfig is the config block of a health check of type "command"
type commandCheckConfig struct {
	Command string `mapstructure:"command"`
}

// CommandProbe passes a health check when its command exits zero
type CommandProbe struct {
	runner *Runner
}

// NewCommandProbe creates a command probe on runner
func NewCommandProbe(runner *Runner) *CommandProbe {
	return &CommandProbe{runner: runner}
}

// Check implements interfaces.HealthProbe
func (p *CommandProbe) Check(ctx context.Context, target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec) (interfaces.ProbeResult, error) {
	var cfg commandCheckConfig
	if err := mapstructure.Decode(spec.Config, &cfg); err != nil {
		return interfaces.ProbeResult{}, interfaces.WrapError(interfaces.KindValidation, err, "invalid command check config")
	}
	if cfg.Command == "" {
		return interfaces.ProbeResult{}, interfaces.NewError(interfaces.KindValidation, "command check %q has no command", spec.Name)
	}

	start := time.Now()
	err := p.runner.Run(ctx, cfg.Command, map[string]string{
		"component": target.Component,
		"artifact":  target.Artifact,
		"check":     spec.Name,
	})
	result := interfaces.ProbeResult{Passed: err == nil, Latency: time.Since(start)}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return result, err
		}
		result.Detail = err.Error()
	}
	return result, nil
}

var (
	_ interfaces.ComponentDeployer = (*CommandDeployer)(nil)
	_ interfaces.TrafficSwitcher   = (*CommandTrafficSwitcher)(nil)
	_ interfaces.HealthProbe       = (*CommandProbe)(nil)
)

//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/planfile"
	"github.com/lattiam/rollout/internal/system"
)

// Static errors for err113 compliance
var (
	ErrNoPlan        = errors.New("plan file has no plan")
	ErrNoEnvironment = errors.New("no environment: add an environment section to the plan file or pass --env")
	ErrExecution     = errors.New("execution did not complete")
)

// loadSubmission reads a plan file and the environment it runs in. An
// environment file overrides the plan file's own environment section.
func loadSubmission(planPath, envPath string) (*interfaces.DeploymentPlan, *interfaces.Environment, error) {
	doc, err := planfile.Load(planPath)
	if err != nil {
		return nil, nil, err
	}
	if doc.Plan == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoPlan, planPath)
	}
	env := doc.Environment
	if envPath != "" {
		if env, err = planfile.LoadEnvironment(envPath); err != nil {
			return nil, nil, err
		}
	}
	if env == nil {
		return nil, nil, ErrNoEnvironment
	}
	return doc.Plan, env, nil
}

func newRunCommand() *cobra.Command {
	var envPath, output string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Run a deployment plan in this process",
		Long: `Run assesses the plan, runs it with an in-process worker and prints progress
until the execution finishes. Interrupting the command cancels the execution,
which rolls it back under an automatic rollback policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return runAssess(cmd.Context(), args[0], envPath, output)
			}
			return runLocal(cmd.Context(), args[0], envPath, output)
		},
	}

	cmd.Flags().StringVarP(&envPath, "env", "e", "", "Environment file (JSON, YAML or HCL)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only show the risk assessment and strategy")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func newAssessCommand() *cobra.Command {
	var envPath, output string

	cmd := &cobra.Command{
		Use:   "assess [plan-file]",
		Short: "Show the risk assessment, strategy and deployment order of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssess(cmd.Context(), args[0], envPath, output)
		},
	}

	cmd.Flags().StringVarP(&envPath, "env", "e", "", "Environment file (JSON, YAML or HCL)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, dot)")
	return cmd
}

func runAssess(ctx context.Context, planPath, envPath, output string) error {
	plan, env, err := loadSubmission(planPath, envPath)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}

	sys, err := system.NewBackgroundSystem(contextOrBackground(ctx), cfg, system.RoleStandalone)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Shutdown(context.Background()) }()

	assessment, err := sys.Service.Assess(contextOrBackground(ctx), plan, env)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		return printJSON(os.Stdout, assessment)
	case "dot":
		fmt.Println(assessment.GraphViz)
		return nil
	default:
		printAssessment(os.Stdout, assessment)
		return nil
	}
}

// loadLocalConfig is the standard config forced onto the embedded queue, for
// commands that run executions in this process
func loadLocalConfig() (*config.ServerConfig, error) {
	cfg, err := loadStandardConfig()
	if err != nil {
		return nil, err
	}
	cfg.Queue.Type = config.QueueTypeEmbedded
	return cfg, nil
}

func runLocal(ctx context.Context, planPath, envPath, output string) error { //nolint:funlen // Run loop with signal handling
	plan, env, err := loadSubmission(planPath, envPath)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	ctx = contextOrBackground(ctx)

	sys, err := system.NewBackgroundSystem(ctx, cfg, system.RoleStandalone)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := sys.Shutdown(stopCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: shutdown: %v\n", err)
		}
	}()

	progress, stop := sys.Engine.Events.Channel(64,
		events.EventStatusChanged, events.EventPhaseCompleted, events.EventTriggerFired, events.EventRollbackCompleted)
	defer stop()

	if err := sys.Start(ctx); err != nil {
		return err
	}
	pending, err := sys.Service.Submit(ctx, plan, env)
	if err != nil {
		return err
	}
	if output != "json" {
		fmt.Printf("Execution %s submitted (plan %s, environment %s)\n", pending.ID, plan.DisplayName(), env.Name)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case ev := <-progress:
			if output != "json" {
				printEvent(os.Stdout, ev)
			}
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "Received %s, cancelling execution %s\n", sig, pending.ID)
			if err := sys.Service.Cancel(ctx, pending.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cancel: %v\n", err)
			}
		case <-poll.C:
			exec, err := sys.Service.Get(ctx, pending.ID)
			if err != nil {
				return err
			}
			if !exec.Status.IsTerminal() {
				continue
			}
			if output == "json" {
				if err := printJSON(os.Stdout, exec); err != nil {
					return err
				}
			} else {
				printExecution(os.Stdout, exec)
			}
			if exec.Status != interfaces.StatusCompleted {
				return fmt.Errorf("%w: %s", ErrExecution, exec.Status)
			}
			return nil
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

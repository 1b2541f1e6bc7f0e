//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/state"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query and prune the local execution history",
		Long: `The history database holds the snapshots of executions run by this host.
Risk assessment reads it to weigh a plan's track record in an environment.`,
	}
	cmd.AddCommand(newHistoryListCommand(), newHistoryShowCommand(), newHistoryPruneCommand())
	return cmd
}

func openHistory() (*state.History, error) {
	cfg, err := loadStandardConfig()
	if err != nil {
		return nil, err
	}
	h, err := state.OpenHistory(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", cfg.History.Path, err)
	}
	return h, nil
}

func newHistoryListCommand() *cobra.Command {
	var status, environment, plan, output string
	var limit int
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded executions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := interfaces.ExecutionFilter{Environment: environment, PlanID: plan, Limit: limit}
			if status != "" {
				for _, part := range strings.Split(status, ",") {
					s, err := interfaces.ParseExecutionStatus(strings.TrimSpace(part))
					if err != nil {
						return err
					}
					filter.Status = append(filter.Status, s)
				}
			}
			if since > 0 {
				filter.CreatedAfter = time.Now().Add(-since)
			}

			h, err := openHistory()
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }() // Ignore error - read only use

			list, err := h.ListExecutions(contextOrBackground(cmd.Context()), filter)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(os.Stdout, list)
			}
			printExecutionTable(os.Stdout, list)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Comma separated statuses")
	cmd.Flags().StringVar(&environment, "environment", "", "Environment name")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan ID or name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of executions")
	cmd.Flags().DurationVar(&since, "since", 0, "Only executions created within this duration")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show [execution-id]",
		Short: "Show one recorded execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHistory()
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }() // Ignore error - read only use

			exec, err := h.GetExecution(contextOrBackground(cmd.Context()), args[0])
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(os.Stdout, exec)
			}
			printExecution(os.Stdout, exec)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished executions older than a cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			h, err := openHistory()
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }() // Ignore error - database cleanup

			removed, err := h.Prune(contextOrBackground(cmd.Context()), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d executions older than %s\n", removed, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}

//nolint:forbidigo // CLI command needs fmt.Print* for user output
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattiam/rollout/internal/apiserver"
	"github.com/lattiam/rollout/internal/apiserver/types"
	"github.com/lattiam/rollout/internal/interfaces"
)

func newExecutionsCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Manage executions on a running server",
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "",
		"Server URL (default http://localhost:<configured port>)")

	client := func() (*apiClient, error) {
		if serverURL != "" {
			return newAPIClient(serverURL), nil
		}
		cfg, err := loadStandardConfig()
		if err != nil {
			return nil, err
		}
		return newAPIClient(fmt.Sprintf("http://localhost:%d", cfg.Port)), nil
	}

	cmd.AddCommand(
		newExecutionsSubmitCommand(client),
		newExecutionsListCommand(client),
		newExecutionsGetCommand(client),
		newExecutionsCancelCommand(client),
		newExecutionsRollbackCommand(client),
		newExecutionsApproveCommand(client),
		newExecutionsQueueCommand(client),
	)
	return cmd
}

type clientFactory func() (*apiClient, error)

func newExecutionsSubmitCommand(client clientFactory) *cobra.Command {
	var envPath string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit [plan-file]",
		Short: "Queue a deployment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			plan, env, err := loadSubmission(args[0], envPath)
			if err != nil {
				return err
			}

			ctx := contextOrBackground(cmd.Context())
			var resp types.SubmitResponse
			if _, err := c.do(ctx, http.MethodPost, apiserver.APIPrefix+"/executions", nil,
				types.ExecutionRequest{Plan: plan, Environment: env}, &resp); err != nil {
				return err
			}
			fmt.Printf("Execution %s %s (queue depth %d)\n", resp.ID, resp.Status, resp.QueueDepth)
			if !wait {
				return nil
			}

			exec, err := waitForExecution(ctx, c, resp.ID, time.Second)
			if err != nil {
				return err
			}
			printExecution(os.Stdout, exec)
			if exec.Status != interfaces.StatusCompleted {
				return fmt.Errorf("%w: %s", ErrExecution, exec.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&envPath, "env", "e", "", "Environment file (JSON, YAML or HCL)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the execution finishes")
	return cmd
}

// waitForExecution polls until the execution is terminal
func waitForExecution(ctx context.Context, c *apiClient, id string, interval time.Duration) (*interfaces.DeploymentExecution, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := interfaces.ExecutionStatus("")
	for {
		var exec interfaces.DeploymentExecution
		if _, err := c.do(ctx, http.MethodGet, executionPath(id), nil, nil, &exec); err != nil {
			return nil, err
		}
		if exec.Status != last {
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), exec.Status)
			last = exec.Status
		}
		if exec.Status.IsTerminal() {
			return &exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func newExecutionsListCommand(client clientFactory) *cobra.Command {
	var status, environment, plan string
	var limit int
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if environment != "" {
				query.Set("environment", environment)
			}
			if plan != "" {
				query.Set("plan", plan)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}

			var resp types.ExecutionListResponse
			if _, err := c.do(contextOrBackground(cmd.Context()), http.MethodGet,
				apiserver.APIPrefix+"/executions", query, nil, &resp); err != nil {
				return err
			}
			if output == "json" {
				return printJSON(os.Stdout, resp)
			}
			printSummaries(resp.Executions)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Comma separated statuses")
	cmd.Flags().StringVar(&environment, "environment", "", "Environment name")
	cmd.Flags().StringVar(&plan, "plan", "", "Plan ID or name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of executions")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func printSummaries(list []types.ExecutionSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPLAN\tENVIRONMENT\tSTATUS\tRISK\tSTRATEGY\tPHASE\tCREATED") // Ignore error - output formatting
	for _, e := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", // Ignore error - output formatting
			e.ID, e.PlanName, e.Environment, e.Status, dash(string(e.RiskLevel)),
			dash(string(e.Strategy)), dash(e.Phase), e.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush() // Ignore error - output formatting
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newExecutionsGetCommand(client clientFactory) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get [execution-id]",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var exec interfaces.DeploymentExecution
			if _, err := c.do(contextOrBackground(cmd.Context()), http.MethodGet,
				executionPath(args[0]), nil, nil, &exec); err != nil {
				return err
			}
			if output == "json" {
				return printJSON(os.Stdout, &exec)
			}
			printExecution(os.Stdout, &exec)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func newExecutionsCancelCommand(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel an execution",
		Long: `Cancel a queued or running execution. A running execution is rolled back
when its rollback policy is automatic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if _, err := c.do(contextOrBackground(cmd.Context()), http.MethodPost,
				executionPath(args[0])+"/cancel", nil, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newExecutionsRollbackCommand(client clientFactory) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rollback [execution-id]",
		Short: "Force a rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var body interface{}
			if reason != "" {
				body = types.RollbackRequest{Reason: reason}
			}
			var resp types.RollbackResponse
			status, err := c.do(contextOrBackground(cmd.Context()), http.MethodPost,
				executionPath(args[0])+"/rollback", nil, body, &resp)
			if err != nil {
				return err
			}
			if status == http.StatusAccepted || resp.Result == nil {
				fmt.Printf("Rollback of %s accepted; it runs on the worker owning the execution\n", args[0])
				return nil
			}
			r := resp.Result
			fmt.Printf("Rollback of %s %s (success=%t)\n", args[0], r.State, r.Success)
			for _, s := range r.Steps {
				fmt.Printf("  %s\t%s\t%s\n", s.Name, s.Status, s.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the rollback")
	return cmd
}

func newExecutionsApproveCommand(client clientFactory) *cobra.Command {
	var deny bool

	cmd := &cobra.Command{
		Use:   "approve [execution-id]",
		Short: "Approve or deny the phase an execution is paused at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			decision := interfaces.ApprovalGranted
			if deny {
				decision = interfaces.ApprovalDenied
			}
			if _, err := c.do(contextOrBackground(cmd.Context()), http.MethodPost,
				executionPath(args[0])+"/approve", nil, types.ApprovalRequest{Decision: decision}, nil); err != nil {
				return err
			}
			fmt.Printf("Execution %s %s\n", args[0], decision)
			return nil
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approve")
	return cmd
}

func newExecutionsQueueCommand(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show submission queue metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var metrics map[string]interface{}
			if _, err := c.do(contextOrBackground(cmd.Context()), http.MethodGet,
				apiserver.APIPrefix+"/queue/metrics", nil, nil, &metrics); err != nil {
				return err
			}
			return printJSON(os.Stdout, metrics)
		},
	}
}

func executionPath(id string) string {
	return types.ExecutionPath(apiserver.APIPrefix, url.PathEscape(strings.TrimSpace(id)))
}

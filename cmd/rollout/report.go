package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/interfaces"
)

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func printAssessment(w io.Writer, a *interfaces.Assessment) {
	if a.Risk != nil {
		_, _ = fmt.Fprintf(w, "Risk:       %s (score %.2f, confidence %.2f, policy %s)\n",
			a.Risk.Level, a.Risk.Score, a.Risk.Confidence, a.Risk.PolicyVersion)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, f := range a.Risk.Factors {
			_, _ = fmt.Fprintf(tw, "  %s\t%s\tp=%.2f impact=%.2f weight=%.2f\t%s\n",
				f.Category, f.Severity, f.Probability, f.Impact, f.Weight, f.Detail)
		}
		_ = tw.Flush()
	}
	if a.Strategy != nil {
		_, _ = fmt.Fprintf(w, "Strategy:   %s, rollback %s\n", a.Strategy.Type, a.Strategy.RollbackPolicy)
		for i, p := range a.Strategy.Phases {
			_, _ = fmt.Fprintf(w, "  %d. %s: %s\n", i+1, p.Name, strings.Join(p.Components, ", "))
		}
		for _, t := range a.Strategy.Triggers {
			_, _ = fmt.Fprintf(w, "  trigger %s: %s %s %g\n", t.Name, t.Metric, t.Comparison.Symbol(), t.Threshold)
		}
	}
	_, _ = fmt.Fprintf(w, "Order:      %s\n", strings.Join(a.ExecutionOrder, " -> "))
	levels := make([]string, 0, len(a.Levels))
	for _, l := range a.Levels {
		levels = append(levels, "["+strings.Join(l, " ")+"]")
	}
	_, _ = fmt.Fprintf(w, "Levels:     %s\n", strings.Join(levels, " "))
}

func printEvent(w io.Writer, ev events.ExecutionEvent) {
	ts := ev.Timestamp.Format(time.TimeOnly)
	switch ev.Type {
	case events.EventStatusChanged:
		if ev.Snapshot != nil {
			_, _ = fmt.Fprintf(w, "%s  status %s -> %s\n", ts, ev.From, ev.Snapshot.Status)
		}
	case events.EventPhaseCompleted:
		if ev.Phase != nil {
			_, _ = fmt.Fprintf(w, "%s  phase %s %s\n", ts, ev.Phase.Name, ev.Phase.Status)
		}
	case events.EventTriggerFired:
		if ev.Trigger != nil {
			_, _ = fmt.Fprintf(w, "%s  trigger %s fired: %s = %g\n",
				ts, ev.Trigger.Trigger.Name, ev.Trigger.Trigger.Metric, ev.Trigger.Value)
		}
	case events.EventRollbackCompleted:
		if ev.Rollback != nil {
			_, _ = fmt.Fprintf(w, "%s  rollback %s\n", ts, ev.Rollback.State)
		}
	}
}

func printExecution(w io.Writer, e *interfaces.DeploymentExecution) {
	_, _ = fmt.Fprintf(w, "Execution:  %s\n", e.ID)
	_, _ = fmt.Fprintf(w, "Plan:       %s\n", e.PlanName)
	_, _ = fmt.Fprintf(w, "Env:        %s\n", e.Environment)
	_, _ = fmt.Fprintf(w, "Status:     %s\n", e.Status)
	if e.Risk != nil {
		_, _ = fmt.Fprintf(w, "Risk:       %s (%.2f)\n", e.Risk.Level, e.Risk.Score)
	}
	if e.Strategy != nil {
		_, _ = fmt.Fprintf(w, "Strategy:   %s\n", e.Strategy.Type)
	}
	if e.StartedAt != nil && e.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "Duration:   %s\n", e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond))
	}

	if len(e.Phases) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "\nPHASE\tSTATUS\tCOMPONENTS")
		for _, p := range e.Phases {
			names := make([]string, 0, len(p.Components))
			for _, c := range p.Components {
				names = append(names, fmt.Sprintf("%s(%s)", c.Name, c.Status))
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Status, strings.Join(names, " "))
		}
		_ = tw.Flush()
	}

	if len(e.Issues) > 0 {
		_, _ = fmt.Fprintln(w, "\nIssues:")
		for _, issue := range e.Issues {
			where := issue.Phase
			if issue.Component != "" {
				where = strings.TrimPrefix(where+"/"+issue.Component, "/")
			}
			_, _ = fmt.Fprintf(w, "  [%s] %s %s\n", issue.Kind, where, issue.Message)
		}
	}

	if r := e.Rollback; r != nil {
		_, _ = fmt.Fprintf(w, "\nRollback:   %s (success=%t, data integrity=%t)\n", r.State, r.Success, r.DataIntegrity)
		_, _ = fmt.Fprintf(w, "Reason:     %s\n", r.Reason)
		for _, s := range r.Steps {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\n", s.Name, s.Status, s.Error)
		}
	}
}

func printExecutionTable(w io.Writer, executions []*interfaces.DeploymentExecution) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPLAN\tENVIRONMENT\tSTATUS\tRISK\tCREATED")
	for _, e := range executions {
		risk := "-"
		if e.Risk != nil {
			risk = string(e.Risk.Level)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.PlanName, e.Environment, e.Status, risk, e.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

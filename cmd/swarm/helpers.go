package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"browser-swarm/internal/domain/entity"
	"browser-swarm/internal/infrastructure/config"
	"browser-swarm/internal/infrastructure/env"
)

func loadConfig(overrides ...func(*config.Config)) (config.Config, error) {
	return config.Load(rootFlags.config, env.NewEnvService(envPrefix), overrides...)
}

// signalContext is cancelled on SIGINT/SIGTERM so the swarm can shut down
// gracefully and still write its report.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var severityOrder = []entity.Severity{
	entity.SeverityCritical,
	entity.SeverityHigh,
	entity.SeverityMedium,
	entity.SeverityLow,
}

func printStats(out io.Writer, stats entity.Stats) {
	fmt.Fprintf(out, "Pages:       %d (%d complete)\n", stats.Pages, stats.CompletePages)
	fmt.Fprintf(out, "Actions:     %d\n", stats.Actions)
	fmt.Fprintf(out, "Findings:    %d (%d occurrences)\n", stats.Findings, stats.Occurrences)
	for _, sev := range severityOrder {
		if n := stats.BySeverity[sev]; n > 0 {
			fmt.Fprintf(out, "  %-9s %d\n", sev, n)
		}
	}
}

func printReport(out io.Writer, rep *entity.RunReport) {
	fmt.Fprintf(out, "Run:         %s\n", rep.RunID)
	fmt.Fprintf(out, "Target:      %s\n", rep.BaseURL)
	fmt.Fprintf(out, "Duration:    %s\n", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Stop reason: %s\n", rep.StopReason)
	fmt.Fprintf(out, "Unique URLs: %d\n", rep.UniqueURLs)
	printStats(out, rep.Stats)

	if len(rep.Agents) > 0 {
		fmt.Fprintf(out, "Agents:\n")
		for _, a := range rep.Agents {
			line := fmt.Sprintf("  %s %-9s actions=%d pages=%d", a.AgentID, a.Status, a.ActionsTaken, a.PagesVisited)
			if a.Error != "" {
				line += " error=" + a.Error
			}
			fmt.Fprintln(out, line)
		}
	}
	if rep.Ledger != nil {
		printFindings(out, rep.Ledger.Findings)
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "Error: %s\n", e)
	}
}

func printFindings(out io.Writer, findings []entity.Finding) {
	if len(findings) == 0 {
		return
	}
	sorted := append([]entity.Finding(nil), findings...)
	rank := make(map[entity.Severity]int, len(severityOrder))
	for i, s := range severityOrder {
		rank[s] = i
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[sorted[i].Severity] < rank[sorted[j].Severity]
	})

	fmt.Fprintf(out, "Findings:\n")
	for _, f := range sorted {
		fmt.Fprintf(out, "  [%s] %s x%d %s\n", f.Severity, f.Category, f.Occurrences, f.Description)
		if f.URL != "" {
			fmt.Fprintf(out, "      %s\n", f.URL)
		}
	}
}

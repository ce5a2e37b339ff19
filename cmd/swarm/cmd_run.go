package main

import (
	"context"
	"fmt"
	"time"

	"browser-swarm/internal/di"
	"browser-swarm/internal/infrastructure/config"

	"github.com/spf13/cobra"
)

var runFlags struct {
	baseURL     string
	agents      int
	duration    time.Duration
	maxFindings int
	maxCritical int
	ledger      string
	ledgerPath  string
	resume      string
	headless    bool
	noOracle    bool
	metricsAddr string
	outputDir   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the swarm against a target application",
	Example: "  swarm run --base-url https://staging.example.com --agents 5 --duration 15m\n" +
		"  swarm run -c swarm.yaml --resume run-20260101-120000-1a2b3c4d",
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.baseURL, "base-url", "", "Target entry URL")
	f.IntVar(&runFlags.agents, "agents", 0, "Number of concurrent agents")
	f.DurationVar(&runFlags.duration, "duration", 0, "Wall-clock budget for the run")
	f.IntVar(&runFlags.maxFindings, "max-findings", 0, "Stop after this many distinct findings (0 = unlimited)")
	f.IntVar(&runFlags.maxCritical, "max-critical", 0, "Stop after this many critical findings (0 = unlimited)")
	f.StringVar(&runFlags.ledger, "ledger", "", "Ledger driver: memory, sqlite or redis")
	f.StringVar(&runFlags.ledgerPath, "ledger-path", "", "SQLite ledger file")
	f.StringVar(&runFlags.resume, "resume", "", "Continue the run with this id from a persistent ledger")
	f.BoolVar(&runFlags.headless, "headless", true, "Run Chrome without a window")
	f.BoolVar(&runFlags.noOracle, "no-oracle", false, "Skip the LLM and explore with the fallback policy only")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&runFlags.outputDir, "output", "", "Directory for reports and evidence")
}

func runOverrides(cmd *cobra.Command) func(*config.Config) {
	f := cmd.Flags()
	return func(cfg *config.Config) {
		if f.Changed("base-url") {
			cfg.Target.BaseURL = runFlags.baseURL
		}
		if f.Changed("agents") {
			cfg.Swarm.Agents = runFlags.agents
		}
		if f.Changed("duration") {
			cfg.Swarm.Duration = runFlags.duration
		}
		if f.Changed("max-findings") {
			cfg.Swarm.MaxFindings = runFlags.maxFindings
		}
		if f.Changed("max-critical") {
			cfg.Swarm.MaxCriticalFindings = runFlags.maxCritical
		}
		if f.Changed("ledger") {
			cfg.Ledger.Driver = runFlags.ledger
		}
		if f.Changed("ledger-path") {
			cfg.Ledger.Path = runFlags.ledgerPath
		}
		if f.Changed("headless") {
			cfg.Browser.Headless = runFlags.headless
		}
		if runFlags.noOracle {
			cfg.Oracle.Model = ""
		}
		if f.Changed("metrics-addr") {
			cfg.Metrics.Addr = runFlags.metricsAddr
		}
		if f.Changed("output") {
			cfg.Output.Dir = runFlags.outputDir
		}
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(runOverrides(cmd))
	if err != nil {
		return err
	}
	if runFlags.resume != "" && cfg.Ledger.Driver == config.DriverMemory {
		return fmt.Errorf("--resume needs a persistent ledger, not %q", cfg.Ledger.Driver)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	container, err := di.NewContainer(ctx, cfg, di.Options{RunID: runFlags.resume})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer container.Close()

	return execute(ctx, cmd, container)
}

// execute runs the swarm and prints the report. A report is printed even
// when the run failed or was interrupted.
func execute(ctx context.Context, cmd *cobra.Command, container *di.Container) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting run %s against %s with %d agents\n",
		container.RunID, container.Config.Target.BaseURL, container.Config.Swarm.Agents)

	rep, err := container.Runner.Run(ctx)
	if rep != nil {
		fmt.Fprintln(out)
		printReport(out, rep)
	}
	if err != nil {
		container.Logger.Error("Run failed", "error", err)
		return err
	}
	return nil
}

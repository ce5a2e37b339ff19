package main

import (
	"context"
	"errors"
	"fmt"

	"browser-swarm/internal/di"
	"browser-swarm/internal/infrastructure/config"

	"github.com/spf13/cobra"
)

var ledgerFlags struct {
	run    string
	driver string
	path   string
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List stored runs or audit one run's ledger",
	Example: "  swarm ledger\n" +
		"  swarm ledger --run run-20260101-120000-1a2b3c4d",
	RunE: runLedger,
}

func init() {
	f := ledgerCmd.Flags()
	f.StringVar(&ledgerFlags.run, "run", "", "Run id to audit; omit to list runs")
	f.StringVar(&ledgerFlags.driver, "ledger", "", "Ledger driver: sqlite or redis")
	f.StringVar(&ledgerFlags.path, "ledger-path", "", "SQLite ledger file")
}

type runLister interface {
	Runs(ctx context.Context) ([]string, error)
}

func runLedger(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	cfg, err := loadConfig(func(cfg *config.Config) {
		if cfg.Target.BaseURL == "" {
			// not needed to read a ledger
			cfg.Target.BaseURL = "http://localhost"
		}
		if f.Changed("ledger") {
			cfg.Ledger.Driver = ledgerFlags.driver
		}
		if f.Changed("ledger-path") {
			cfg.Ledger.Path = ledgerFlags.path
		}
	})
	if err != nil {
		return err
	}
	if cfg.Ledger.Driver == config.DriverMemory {
		return errors.New("the memory ledger does not outlive its run")
	}

	ctx := cmd.Context()
	backend, err := di.OpenBackend(ctx, cfg.Ledger, ledgerFlags.run)
	if err != nil {
		return err
	}
	defer backend.Close()

	out := cmd.OutOrStdout()
	if ledgerFlags.run == "" {
		lister, ok := backend.(runLister)
		if !ok {
			return fmt.Errorf("listing runs is not supported by the %s ledger, pass --run", cfg.Ledger.Driver)
		}
		runs, err := lister.Runs(ctx)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintln(out, r)
		}
		return nil
	}

	stats, err := backend.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	ledger, err := backend.Export(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Fprintf(out, "Run:         %s\n", ledgerFlags.run)
	fmt.Fprintf(out, "Unique URLs: %d\n", ledger.UniqueURLs())
	printStats(out, stats)
	printFindings(out, ledger.Findings)
	return nil
}

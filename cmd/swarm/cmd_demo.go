package main

import (
	"time"

	"browser-swarm/internal/di"
	"browser-swarm/internal/infrastructure/browser/synthetic"
	"browser-swarm/internal/infrastructure/config"

	"github.com/spf13/cobra"
)

const demoBaseURL = "http://demo.swarm.local"

var demoFlags struct {
	agents    int
	duration  time.Duration
	outputDir string
	evidence  bool
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the swarm against a built-in synthetic shop",
	Long: "demo explores an in-memory ten page site with seeded defects (a broken\n" +
		"link, a script exception, an image without alt text). It needs neither\n" +
		"Chrome nor an LLM and uses the in-memory ledger.",
	RunE: runDemo,
}

func init() {
	f := demoCmd.Flags()
	f.IntVar(&demoFlags.agents, "agents", 3, "Number of concurrent agents")
	f.DurationVar(&demoFlags.duration, "duration", time.Minute, "Wall-clock budget for the run")
	f.StringVar(&demoFlags.outputDir, "output", "test-results/demo", "Directory for reports and evidence")
	f.BoolVar(&demoFlags.evidence, "evidence", true, "Save screenshots for findings")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(func(cfg *config.Config) {
		cfg.Target.BaseURL = demoBaseURL
		cfg.Target.Auth = config.AuthConfig{}
		cfg.Swarm.Agents = demoFlags.agents
		cfg.Swarm.Duration = demoFlags.duration
		cfg.Swarm.MonitorInterval = 100 * time.Millisecond
		cfg.Agent.StallPause = 50 * time.Millisecond
		cfg.Agent.ActionDelay = 10 * time.Millisecond
		cfg.Ledger.Driver = config.DriverMemory
		cfg.Oracle.Model = ""
		cfg.Output.Dir = demoFlags.outputDir
		cfg.Output.Evidence = demoFlags.evidence
		cfg.Metrics.Addr = ""
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	container, err := di.NewContainer(ctx, cfg, di.Options{
		Launcher: synthetic.NewLauncher(synthetic.DemoSite(demoBaseURL)),
	})
	if err != nil {
		return err
	}
	defer container.Close()

	return execute(ctx, cmd, container)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

const envPrefix = "SWARM_"

var rootFlags struct {
	config string
}

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Autonomous browser testing swarm",
	Long: "swarm launches a fleet of browser agents against one web application.\n" +
		"Agents share a ledger of pages, claimed actions and findings so that no\n" +
		"action is executed twice and every defect is reported once.",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "", "YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

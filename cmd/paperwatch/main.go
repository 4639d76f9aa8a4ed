package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "paperwatch",
	Short:   "Ranked must-read research publications for early cancer detection",
	Version: version,
	Long: `paperwatch curates a weekly must-read list of research publications.

It blends a keyword/recency heuristic with cached LLM judgments, scores
per-item relevancy, and calibrates model scores against human ratings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

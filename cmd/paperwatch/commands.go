package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paperwatch/paperwatch/internal/config"
)

// --- rank ---

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank recent publications and print the must-read list",
	Long: `Rank recent publications and print the must-read list.

Examples:
  paperwatch rank
  paperwatch rank --days 14 --limit 10
  paperwatch rank --model --debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")
		useModel, _ := cmd.Flags().GetBool("model")
		debug, _ := cmd.Flags().GetBool("debug")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/rankings?since_days=%d&limit=%d", days, limit)
		if debug {
			path = fmt.Sprintf("/rankings/diagnostics?since_days=%d&limit=%d", days, limit)
		}
		if useModel {
			path += "&use_model=true"
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var report struct {
			MustReads []struct {
				Title          string   `json:"title"`
				PublishedDate  string   `json:"published_date"`
				Source         string   `json:"source"`
				URL            string   `json:"url"`
				WhyItMatters   string   `json:"why_it_matters"`
				KeyFindings    []string `json:"key_findings"`
				RankScore      float64  `json:"rank_score"`
				RelevancyScore *float64 `json:"relevancy_score"`
			} `json:"must_reads"`
			TotalCandidates int             `json:"total_candidates"`
			Warnings        []string        `json:"ranking_warnings"`
			Debug           json.RawMessage `json:"debug_ranking"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		for _, w := range report.Warnings {
			printWarning("%s", w)
		}

		if len(report.MustReads) == 0 {
			fmt.Println("No publications in the window.")
			return nil
		}

		for i, mr := range report.MustReads {
			fmt.Printf("\n%s %s\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), mr.Title)
			meta := fmt.Sprintf("  %s · %s", mr.Source, mr.PublishedDate)
			if mr.RelevancyScore != nil {
				meta += fmt.Sprintf(" · relevancy %.0f", *mr.RelevancyScore)
			} else {
				meta += fmt.Sprintf(" · score %.0f", mr.RankScore)
			}
			fmt.Println(colorize(colorCyan, meta))
			if mr.WhyItMatters != "" {
				fmt.Printf("  %s\n", mr.WhyItMatters)
			}
			for _, f := range mr.KeyFindings {
				fmt.Printf("    - %s\n", f)
			}
			if mr.URL != "" {
				fmt.Printf("  %s\n", mr.URL)
			}
		}

		if debug && report.Debug != nil {
			fmt.Println()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report.Debug)
		}
		return nil
	},
}

func init() {
	rankCmd.Flags().Int("days", 0, "lookback window in days (default: server setting)")
	rankCmd.Flags().Int("limit", 0, "maximum number of must-reads (default: server setting)")
	rankCmd.Flags().Bool("model", false, "blend model judgments into the ordering")
	rankCmd.Flags().Bool("debug", false, "include the ranking diagnostic bundle")
	rankCmd.Flags().Bool("json", false, "print the raw JSON report")
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score recent publications' relevancy with the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run-id")
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Scoring relevancy...")
		resp, err := client.post(cmd.Context(), "/relevancy/score", map[string]any{
			"run_id":     runID,
			"since_days": days,
		})
		if err != nil {
			return err
		}

		var sum struct {
			RunID   string `json:"run_id"`
			Total   int    `json:"total"`
			Scored  int    `json:"scored"`
			Failed  int    `json:"failed"`
			Updated int    `json:"updated"`
		}
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		printSuccess("Run %s: scored %d/%d, updated %d", sum.RunID, sum.Scored, sum.Total, sum.Updated)
		if sum.Failed > 0 {
			printWarning("%d publications failed scoring", sum.Failed)
		}
		return nil
	},
}

func init() {
	scoreCmd.Flags().String("run-id", "", "run identifier for caching (generated when omitted)")
	scoreCmd.Flags().Int("days", 0, "lookback window in days (default: server setting)")
}

// --- calibrate ---

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit or inspect the score calibration curve",
}

var calibrateFitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the calibration curve on the labeled dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		scale, _ := cmd.Flags().GetString("scale")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if scale != "" {
			body["output_scale"] = scale
		}
		resp, err := client.post(cmd.Context(), "/calibration/fit", body)
		if err != nil {
			return err
		}

		var result struct {
			FitStats struct {
				NSamples    int     `json:"n_samples"`
				NThresholds int     `json:"n_thresholds"`
				XMin        float64 `json:"x_min"`
				XMax        float64 `json:"x_max"`
			} `json:"fit_stats"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Calibration fitted on %d labeled pairs", result.FitStats.NSamples)
		printStatus("Thresholds", "%d", result.FitStats.NThresholds)
		printStatus("Input range", "%.0f – %.0f", result.FitStats.XMin, result.FitStats.XMax)
		return nil
	},
}

var calibrateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current calibration mapping table",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/calibration")
		if err != nil {
			return err
		}

		var doc struct {
			Mapping []struct {
				Raw        float64 `json:"raw"`
				Calibrated float64 `json:"calibrated"`
			} `json:"mapping"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		fmt.Printf("%s\n", colorize(colorBold, "  raw  →  calibrated"))
		for _, row := range doc.Mapping {
			fmt.Printf("  %5.1f →  %5.1f\n", row.Raw, row.Calibrated)
		}
		return nil
	},
}

func init() {
	calibrateFitCmd.Flags().String("scale", "", "output scale for calibrated scores (default 0_100)")
	calibrateCmd.AddCommand(calibrateFitCmd)
	calibrateCmd.AddCommand(calibrateShowCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the model judgment cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show cached judgment counts per version",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache")
		if err != nil {
			return err
		}

		var stats struct {
			Versions []struct {
				Version string `json:"version"`
				Model   string `json:"model"`
				Entries int    `json:"entries"`
			} `json:"versions"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if len(stats.Versions) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		for _, v := range stats.Versions {
			printStatus(v.Version, "%d judgments (%s)", v.Entries, v.Model)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cached judgments",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		confirm, _ := cmd.Flags().GetBool("confirm")

		if version == "" && !confirm {
			printWarning("This will delete the ENTIRE judgment cache. Use --confirm, or --version to scope the purge.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache"
		if version != "" {
			path += "?version=" + version
		}
		resp, err := client.do(cmd.Context(), "DELETE", path, nil)
		if err != nil {
			return err
		}

		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d cached judgments", result.Deleted)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().String("version", "", "only purge this rerank version")
	cacheClearCmd.Flags().Bool("confirm", false, "confirm purging all versions")
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- eval ---

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate model scores against human ratings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/metrics")
		if err != nil {
			return err
		}

		var summary any
		if err := decodeJSON(resp, &summary); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Port", "%d", cfg.Server.Port)
		printStatus("LLM endpoint", "%s", cfg.LLM.BaseURL)
		printStatus("Rerank model", "%s", cfg.LLM.RerankModel)
		printStatus("Scoring model", "%s", cfg.LLM.ScoringModel)
		printStatus("Blend", "%.1f heuristic / %.1f model, demote below %.0f",
			cfg.Ranking.HeuristicWeight, cfg.Ranking.ModelWeight, cfg.Ranking.DemoteBelow)
		printStatus("Window", "%d days, top %d + %d honorable mentions",
			cfg.Ranking.WindowDays, cfg.Ranking.TopN, cfg.Ranking.HonorableMentions)
		printStatus("Cache versions", "rerank %s, scoring %s",
			cfg.Ranking.RerankVersion, cfg.Ranking.ScoringVersion)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		printStatus("Calibration", "%s", cfg.Calibration.ArtifactPath)
		return nil
	},
}

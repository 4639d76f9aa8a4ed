package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Server.Port != 4600 {
		t.Errorf("default port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Ranking.HeuristicWeight != 0.4 || cfg.Ranking.ModelWeight != 0.6 {
		t.Errorf("default blend weights = %.2f/%.2f, want 0.4/0.6",
			cfg.Ranking.HeuristicWeight, cfg.Ranking.ModelWeight)
	}
	if cfg.Ranking.DemoteBelow != 10 {
		t.Errorf("default demote_below = %.2f, want 10", cfg.Ranking.DemoteBelow)
	}
	if cfg.Calibration.ArtifactPath == "" {
		t.Error("default calibration artifact path is empty")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"server": {"port": 9999},
		"ranking": {"min_score": 25.5, "top_n": 10},
		"llm": {"rerank_model": "gpt-4o"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Ranking.MinScore != 25.5 {
		t.Errorf("min_score = %.2f, want 25.5", cfg.Ranking.MinScore)
	}
	if cfg.Ranking.TopN != 10 {
		t.Errorf("top_n = %d, want 10", cfg.Ranking.TopN)
	}
	if cfg.LLM.RerankModel != "gpt-4o" {
		t.Errorf("rerank_model = %q, want gpt-4o", cfg.LLM.RerankModel)
	}
	// Untouched fields keep defaults.
	if cfg.Ranking.HeuristicWeight != 0.4 {
		t.Errorf("heuristic_weight = %.2f, want default 0.4", cfg.Ranking.HeuristicWeight)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadWith(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("loadWith missing file: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("port = %d, want default 4600", cfg.Server.Port)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadWith(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"ranking": {"min_score": 10}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PAPERWATCH_MIN_SCORE", "42")
	t.Setenv("PAPERWATCH_LLM_API_KEY", "sk-test")
	t.Setenv("PAPERWATCH_RERANK_VERSION", "v9")

	cfg, err := loadWith(path)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Ranking.MinScore != 42 {
		t.Errorf("min_score = %.2f, want env override 42", cfg.Ranking.MinScore)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key not read from env")
	}
	if cfg.Ranking.RerankVersion != "v9" {
		t.Errorf("rerank_version = %q, want v9", cfg.Ranking.RerankVersion)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := defaults()
	cfg.Ranking.HeuristicWeight = 0
	cfg.Ranking.ModelWeight = 0
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for zero weights")
	}

	cfg = defaults()
	cfg.Ranking.DemoteBelow = 150
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for out-of-range demote_below")
	}
}

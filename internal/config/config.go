// Package config loads paperwatch configuration from a JSON file and
// PAPERWATCH_* environment variables. Environment variables override file
// values, which override defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server      ServerConfig
	LLM         LLMConfig
	Storage     StorageConfig
	Ranking     RankingConfig
	Calibration CalibrationConfig
}

type ServerConfig struct {
	Port int
	// APIToken enables bearer auth on the HTTP API when non-empty. It is
	// only ever read from the environment, never from the file.
	APIToken string
}

type LLMConfig struct {
	BaseURL      string
	APIKey       string
	RerankModel  string
	ScoringModel string
	TimeoutSecs  int
}

type StorageConfig struct {
	DataDir string
}

// RankingConfig carries the blend weights and thresholds. The weights and
// the demotion cutoff are domain-tuned values with no documented
// derivation; they are configuration precisely so they can be recalibrated
// against the evaluation metrics without a code change.
type RankingConfig struct {
	// HeuristicWeight and ModelWeight blend the two score signals when a
	// model score is present and above DemoteBelow.
	HeuristicWeight float64
	ModelWeight     float64
	// DemoteBelow strongly demotes items the model scored under this value
	// (0-100): the blend collapses to the model score alone.
	DemoteBelow float64
	// HeuristicScale is the top of the heuristic score range; model scores
	// (0-100) are scaled onto it before blending.
	HeuristicScale float64
	// MinScore excludes items below this relevancy score from selection.
	// Zero or negative disables the threshold.
	MinScore float64
	// HighScore marks items whose exclusion from the top N is flagged as a
	// possible ranking anomaly.
	HighScore         float64
	TopN              int
	HonorableMentions int
	RerankVersion     string
	ScoringVersion    string
	// Concurrency bounds the parallel fan-out of per-item scoring calls.
	Concurrency int
	// Retries is the number of attempts for one per-item scoring call.
	Retries int
	// SnippetMaxLen caps the text snippet sent per candidate in the
	// batched rerank request.
	SnippetMaxLen int
	// WindowDays is the default candidate lookback window.
	WindowDays int
}

type CalibrationConfig struct {
	ArtifactPath string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			BaseURL:      "https://api.openai.com/v1",
			RerankModel:  "gpt-4o-mini",
			ScoringModel: "gpt-4o-mini",
			TimeoutSecs:  120,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Ranking: RankingConfig{
			HeuristicWeight:   0.4,
			ModelWeight:       0.6,
			DemoteBelow:       10,
			HeuristicScale:    600,
			MinScore:          0,
			HighScore:         80,
			TopN:              5,
			HonorableMentions: 5,
			RerankVersion:     "v1",
			ScoringVersion:    "v3",
			Concurrency:       3,
			Retries:           2,
			SnippetMaxLen:     1200,
			WindowDays:        7,
		},
		Calibration: CalibrationConfig{
			ArtifactPath: filepath.Join(dataDir, "calibration.json"),
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "paperwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "paperwatch")
}

func defaultConfigPath() string {
	if p := os.Getenv("PAPERWATCH_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "paperwatch", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "paperwatch", "config.json")
}

// Load reads configuration from the JSON config file (if present) and
// applies PAPERWATCH_* environment overrides. The LLM API key is only ever
// read from the environment, never from the file.
func Load() (Config, error) {
	return loadWith(defaultConfigPath())
}

func loadWith(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig is the JSON shape of the config file. All fields optional.
type fileConfig struct {
	Server *struct {
		Port *int `json:"port"`
	} `json:"server"`
	LLM *struct {
		BaseURL      *string `json:"base_url"`
		RerankModel  *string `json:"rerank_model"`
		ScoringModel *string `json:"scoring_model"`
		TimeoutSecs  *int    `json:"timeout_secs"`
	} `json:"llm"`
	Storage *struct {
		DataDir *string `json:"data_dir"`
	} `json:"storage"`
	Ranking *struct {
		HeuristicWeight   *float64 `json:"heuristic_weight"`
		ModelWeight       *float64 `json:"model_weight"`
		DemoteBelow       *float64 `json:"demote_below"`
		HeuristicScale    *float64 `json:"heuristic_scale"`
		MinScore          *float64 `json:"min_score"`
		HighScore         *float64 `json:"high_score"`
		TopN              *int     `json:"top_n"`
		HonorableMentions *int     `json:"honorable_mentions"`
		RerankVersion     *string  `json:"rerank_version"`
		ScoringVersion    *string  `json:"scoring_version"`
		Concurrency       *int     `json:"concurrency"`
		Retries           *int     `json:"retries"`
		SnippetMaxLen     *int     `json:"snippet_max_len"`
		WindowDays        *int     `json:"window_days"`
	} `json:"ranking"`
	Calibration *struct {
		ArtifactPath *string `json:"artifact_path"`
	} `json:"calibration"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Server != nil {
		setIfPresent(&cfg.Server.Port, fc.Server.Port)
	}
	if fc.LLM != nil {
		setIfPresent(&cfg.LLM.BaseURL, fc.LLM.BaseURL)
		setIfPresent(&cfg.LLM.RerankModel, fc.LLM.RerankModel)
		setIfPresent(&cfg.LLM.ScoringModel, fc.LLM.ScoringModel)
		setIfPresent(&cfg.LLM.TimeoutSecs, fc.LLM.TimeoutSecs)
	}
	if fc.Storage != nil {
		setIfPresent(&cfg.Storage.DataDir, fc.Storage.DataDir)
	}
	if fc.Ranking != nil {
		setIfPresent(&cfg.Ranking.HeuristicWeight, fc.Ranking.HeuristicWeight)
		setIfPresent(&cfg.Ranking.ModelWeight, fc.Ranking.ModelWeight)
		setIfPresent(&cfg.Ranking.DemoteBelow, fc.Ranking.DemoteBelow)
		setIfPresent(&cfg.Ranking.HeuristicScale, fc.Ranking.HeuristicScale)
		setIfPresent(&cfg.Ranking.MinScore, fc.Ranking.MinScore)
		setIfPresent(&cfg.Ranking.HighScore, fc.Ranking.HighScore)
		setIfPresent(&cfg.Ranking.TopN, fc.Ranking.TopN)
		setIfPresent(&cfg.Ranking.HonorableMentions, fc.Ranking.HonorableMentions)
		setIfPresent(&cfg.Ranking.RerankVersion, fc.Ranking.RerankVersion)
		setIfPresent(&cfg.Ranking.ScoringVersion, fc.Ranking.ScoringVersion)
		setIfPresent(&cfg.Ranking.Concurrency, fc.Ranking.Concurrency)
		setIfPresent(&cfg.Ranking.Retries, fc.Ranking.Retries)
		setIfPresent(&cfg.Ranking.SnippetMaxLen, fc.Ranking.SnippetMaxLen)
		setIfPresent(&cfg.Ranking.WindowDays, fc.Ranking.WindowDays)
	}
	if fc.Calibration != nil {
		setIfPresent(&cfg.Calibration.ArtifactPath, fc.Calibration.ArtifactPath)
	}
	return nil
}

func setIfPresent[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func applyEnvOverrides(cfg *Config) {
	setEnvInt("PAPERWATCH_PORT", &cfg.Server.Port)
	setEnvString("PAPERWATCH_API_TOKEN", &cfg.Server.APIToken)
	setEnvString("PAPERWATCH_LLM_BASE_URL", &cfg.LLM.BaseURL)
	setEnvString("PAPERWATCH_LLM_API_KEY", &cfg.LLM.APIKey)
	setEnvString("PAPERWATCH_RERANK_MODEL", &cfg.LLM.RerankModel)
	setEnvString("PAPERWATCH_SCORING_MODEL", &cfg.LLM.ScoringModel)
	setEnvInt("PAPERWATCH_LLM_TIMEOUT_SECS", &cfg.LLM.TimeoutSecs)
	setEnvString("PAPERWATCH_DATA_DIR", &cfg.Storage.DataDir)
	setEnvFloat("PAPERWATCH_HEURISTIC_WEIGHT", &cfg.Ranking.HeuristicWeight)
	setEnvFloat("PAPERWATCH_MODEL_WEIGHT", &cfg.Ranking.ModelWeight)
	setEnvFloat("PAPERWATCH_DEMOTE_BELOW", &cfg.Ranking.DemoteBelow)
	setEnvFloat("PAPERWATCH_MIN_SCORE", &cfg.Ranking.MinScore)
	setEnvInt("PAPERWATCH_TOP_N", &cfg.Ranking.TopN)
	setEnvString("PAPERWATCH_RERANK_VERSION", &cfg.Ranking.RerankVersion)
	setEnvString("PAPERWATCH_SCORING_VERSION", &cfg.Ranking.ScoringVersion)
	setEnvInt("PAPERWATCH_WINDOW_DAYS", &cfg.Ranking.WindowDays)
	setEnvString("PAPERWATCH_CALIBRATION_PATH", &cfg.Calibration.ArtifactPath)
}

func setEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setEnvInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setEnvFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func (c Config) validate() error {
	if c.Ranking.HeuristicWeight < 0 || c.Ranking.ModelWeight < 0 {
		return fmt.Errorf("blend weights must be non-negative (heuristic=%.2f, model=%.2f)",
			c.Ranking.HeuristicWeight, c.Ranking.ModelWeight)
	}
	if c.Ranking.HeuristicWeight+c.Ranking.ModelWeight == 0 {
		return fmt.Errorf("blend weights must not both be zero")
	}
	if c.Ranking.DemoteBelow < 0 || c.Ranking.DemoteBelow > 100 {
		return fmt.Errorf("demote_below must be within 0-100, got %.2f", c.Ranking.DemoteBelow)
	}
	if c.Ranking.HeuristicScale <= 0 {
		return fmt.Errorf("heuristic_scale must be positive, got %.2f", c.Ranking.HeuristicScale)
	}
	if c.Ranking.TopN <= 0 {
		return fmt.Errorf("top_n must be positive, got %d", c.Ranking.TopN)
	}
	return nil
}

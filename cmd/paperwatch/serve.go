package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/paperwatch/paperwatch/internal/api"
	"github.com/paperwatch/paperwatch/internal/config"
	"github.com/paperwatch/paperwatch/internal/curate"
	"github.com/paperwatch/paperwatch/internal/llm"
	"github.com/paperwatch/paperwatch/internal/rank"
	"github.com/paperwatch/paperwatch/internal/scoring"
	"github.com/paperwatch/paperwatch/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the paperwatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(debug, mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running paperwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show paperwatch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("debug", false, "enable debug logging")
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio alongside the HTTP API")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "paperwatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// buildService wires storage, the LLM client, and the ranking engines
// into the curation service shared by every surface.
func buildService(cfg config.Config, store *storage.Store) *curate.Service {
	client := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, time.Duration(cfg.LLM.TimeoutSecs)*time.Second)

	reranker := &rank.Reranker{
		Client:        client,
		Cache:         store,
		Snippet:       scoring.Snippet,
		Model:         cfg.LLM.RerankModel,
		Version:       cfg.Ranking.RerankVersion,
		SnippetMaxLen: cfg.Ranking.SnippetMaxLen,
	}
	scorer := &scoring.RelevancyScorer{
		Client:        client,
		Store:         store,
		Model:         cfg.LLM.ScoringModel,
		Version:       cfg.Ranking.ScoringVersion,
		Retries:       cfg.Ranking.Retries,
		Concurrency:   cfg.Ranking.Concurrency,
		SnippetMaxLen: cfg.Ranking.SnippetMaxLen,
	}

	return &curate.Service{
		Store:    store,
		Reranker: reranker,
		Scorer:   scorer,
		Blend: rank.BlendConfig{
			HeuristicWeight:   cfg.Ranking.HeuristicWeight,
			ModelWeight:       cfg.Ranking.ModelWeight,
			DemoteBelow:       cfg.Ranking.DemoteBelow,
			HeuristicScale:    cfg.Ranking.HeuristicScale,
			MinScore:          cfg.Ranking.MinScore,
			HighScore:         cfg.Ranking.HighScore,
			TopN:              cfg.Ranking.TopN,
			HonorableMentions: cfg.Ranking.HonorableMentions,
		},
		WindowDays:      cfg.Ranking.WindowDays,
		CalibrationPath: cfg.Calibration.ArtifactPath,
	}
}

func runServer(debug, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "paperwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.LLM.APIKey == "" {
		printWarning("PAPERWATCH_LLM_API_KEY is not set; model reranking and relevancy scoring will fail")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("paperwatch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("paperwatch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc := buildService(cfg, store)

	// Build HTTP handler and server.
	handler := api.NewHTTPHandler(api.HTTPDeps{
		Service: svc,
		Cache:   store,
		Token:   cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Build and start MCP server (stdio transport in a goroutine).
	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "paperwatch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("paperwatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop paperwatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to paperwatch (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM endpoint", "%s", cfg.LLM.BaseURL)
	printStatus("Rerank model", "%s (cache %s)", cfg.LLM.RerankModel, cfg.Ranking.RerankVersion)
	printStatus("Scoring model", "%s (cache %s)", cfg.LLM.ScoringModel, cfg.Ranking.ScoringVersion)
	printStatus("Window", "%d days, top %d", cfg.Ranking.WindowDays, cfg.Ranking.TopN)

	if _, err := os.Stat(cfg.Calibration.ArtifactPath); err == nil {
		printStatus("Calibration", "%s", cfg.Calibration.ArtifactPath)
	} else {
		printStatus("Calibration", "not fitted")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

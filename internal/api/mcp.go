// Package api exposes the ranking engine over MCP and HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/paperwatch/paperwatch/internal/curate"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *curate.Service
}

// NewMCPServer creates an MCP server with the paperwatch tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"paperwatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("paperwatch — ranked must-read research publications for early cancer detection."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_must_reads",
			mcp.WithDescription("Return the top-ranked publications from the recent window, ordered by relevance. Heuristic ranking only; use rerank_publications for model-assisted ordering."),
			mcp.WithNumber("since_days", mcp.Description("Lookback window in days (default 7)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of must-reads (default 10)")),
		),
		mcpGetMustReads(deps),
	)

	s.AddTool(
		mcp.NewTool("rerank_publications",
			mcp.WithDescription("Rank recent publications with the external model blended into the heuristic order. Judgments are cached per publication and rerank version."),
			mcp.WithNumber("since_days", mcp.Description("Lookback window in days (default 7)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of must-reads (default 10)")),
			mcp.WithBoolean("debug", mcp.Description("Include the ranking diagnostic bundle")),
		),
		mcpRerankPublications(deps),
	)

	s.AddTool(
		mcp.NewTool("score_relevancy",
			mcp.WithDescription("Score each recent publication's relevancy (0-100) with the external model and persist the results. Items already scored in the given run are skipped."),
			mcp.WithString("run_id", mcp.Description("Run identifier for caching (generated when omitted)")),
			mcp.WithNumber("since_days", mcp.Description("Lookback window in days (default 7)")),
		),
		mcpScoreRelevancy(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"paperwatch://calibration",
			"Calibration Curve",
			mcp.WithResourceDescription("Current isotonic calibration mapping table as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCalibration(deps),
	)

	return s
}

func mcpGetMustReads(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Service.MustReads(ctx, curate.RankOptions{
			WindowDays: clampWindow(req.GetInt("since_days", 0)),
			TopN:       clampLimit(req.GetInt("limit", 10)),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ranking failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpRerankPublications(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Service.MustReads(ctx, curate.RankOptions{
			WindowDays: clampWindow(req.GetInt("since_days", 0)),
			TopN:       clampLimit(req.GetInt("limit", 10)),
			UseModel:   true,
			Debug:      req.GetBool("debug", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ranking failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpScoreRelevancy(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID := req.GetString("run_id", "")
		summary, err := deps.Service.ScoreRelevancy(ctx, runID, clampWindow(req.GetInt("since_days", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("relevancy scoring failed: %v", err)), nil
		}
		return mcpJSON(summary)
	}
}

func mcpResourceCalibration(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cal, err := deps.Service.Calibration()
		if err != nil {
			return nil, fmt.Errorf("loading calibration: %w", err)
		}
		rows, err := cal.MappingTable(10)
		if err != nil {
			return nil, fmt.Errorf("building mapping table: %w", err)
		}
		doc := map[string]any{
			"fit_stats": cal.Stats(),
			"mapping":   rows,
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding calibration: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func clampWindow(days int) int {
	if days < 0 {
		return 0
	}
	if days > 365 {
		return 365
	}
	return days
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 50 {
		return 50
	}
	return limit
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

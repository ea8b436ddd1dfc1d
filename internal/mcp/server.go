package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"automationsync/internal/core"
	"automationsync/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the sync operations as MCP tools.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	return &MCPServer{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
}

// Run serves the tools over the stdio transport until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.build())
}

// Handler returns the tools as a streamable HTTP endpoint.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.build())
}

func (s *MCPServer) build() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"automationsync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	return mcpServer
}

func statusLabels() []string {
	labels := make([]string, 0, len(core.AllStatusCodes))
	for _, code := range core.AllStatusCodes {
		labels = append(labels, core.StatusLabel(code))
	}
	return labels
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("automation_sync_now",
		mcp.WithDescription("Refresh the Automation_Status table from the marketing platform now"),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the run to finish and return its summary"),
		),
	), s.handleSyncNow)

	mcpServer.AddTool(mcp.NewTool("automation_list_status",
		mcp.WithDescription("List automations and their status as of the last sync"),
		mcp.WithString("status",
			mcp.Description("Only return automations with this status label"),
			mcp.Enum(statusLabels()...),
		),
	), s.handleListStatus)

	mcpServer.AddTool(mcp.NewTool("automation_list_runs",
		mcp.WithDescription("List recent sync runs, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("automation_get_run",
		mcp.WithDescription("Show one sync run including failed customer keys"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview upcoming trigger times of a cron expression, or of the sync schedule"),
		mcp.WithString("cron",
			mcp.Description("Cron expression, defaults to the active sync schedule"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of trigger times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Debug("MCP tools registered", "count", 5)
}

func (s *MCPServer) handleSyncNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wait := mcp.ParseBoolean(request, "wait", false)
	var (
		run *core.Run
		err error
	)
	if wait {
		run, err = s.scheduler.RunOnce(ctx)
	} else {
		run, err = s.scheduler.RunNow(ctx)
	}
	if err != nil {
		if errors.Is(err, core.ErrSyncRunning) {
			return mcp.NewToolResultError("a sync is already running"), nil
		}
		s.logger.Error("run sync now", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to start sync: %v", err)), nil
	}
	if !wait {
		return mcp.NewToolResultText(fmt.Sprintf("sync started\nrun id: %s", run.ID)), nil
	}
	return mcp.NewToolResultText(formatRun(run)), nil
}

func (s *MCPServer) handleListStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := mcp.ParseString(request, "status", "")
	rows, err := s.store.ListStatusRows(ctx, status)
	if err != nil {
		s.logger.Error("list status rows", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list automations: %v", err)), nil
	}
	if len(rows) == 0 {
		return mcp.NewToolResultText("no automations found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d automations:\n\n", len(rows))
	for _, row := range rows {
		status := row.Status
		if status == "" {
			status = "(unknown)"
		}
		fmt.Fprintf(&b, "%s [%s]\n  key: %s\n", row.Name, status, row.CustomerKey)
		if row.LastRunTime != nil {
			fmt.Fprintf(&b, "  last run: %s\n", formatTime(row.LastRunTime))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	runs, err := s.store.ListRuns(ctx, limit, 0)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs recorded"), nil
	}
	var b strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&b, "%s %s %s retrieved=%d written=%d failed=%d\n",
			run.ID, run.Status, formatTime(&run.ScheduledAt), run.Retrieved, run.Written, run.Failed)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRun(run)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))
	if expr == "" {
		expr = s.scheduler.Schedule()
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	times := core.NextOccurrences(schedule, time.Now().In(s.location), count)
	var b strings.Builder
	fmt.Fprintf(&b, "next %d triggers of %q:\n", len(times), expr)
	for _, t := range times {
		fmt.Fprintf(&b, "  %s\n", formatTime(&t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatRun(run *core.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run id: %s\n", run.ID)
	fmt.Fprintf(&b, "trigger: %s\n", run.Trigger)
	fmt.Fprintf(&b, "status: %s\n", run.Status)
	fmt.Fprintf(&b, "scheduled: %s\n", formatTime(&run.ScheduledAt))
	if run.StartedAt != nil {
		fmt.Fprintf(&b, "started: %s\n", formatTime(run.StartedAt))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "ended: %s\n", formatTime(run.EndedAt))
	}
	fmt.Fprintf(&b, "retrieved: %d, written: %d, failed: %d\n", run.Retrieved, run.Written, run.Failed)
	if len(run.FailedKeys) > 0 {
		fmt.Fprintf(&b, "failed keys: %s\n", strings.Join(run.FailedKeys, ", "))
	}
	if run.Error != nil {
		fmt.Fprintf(&b, "error: %s\n", *run.Error)
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

// mcpApp is the subset of app a running MCP session reports on. It is
// built once at serve-mcp startup and read concurrently by every tool
// call, the same way the running crawl reads it from its own workers.
type mcpApp struct {
	app *app
}

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve-mcp",
		Short: "Start a Model Context Protocol server for crawl introspection",
		Long: `Starts a JSON-RPC server implementing the Model Context Protocol (MCP),
exposing the running crawl's queue depth, session pool, and
autoscaling status to AI agents over stdio.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.crawler.Start(ctx)
			defer a.crawler.Stop()
			go func() {
				if err := a.pool.Run(ctx); err != nil {
					a.log.Error().Err(err).Msg("pool run exited")
				}
			}()

			srv := newMCPServer(&mcpApp{app: a})
			stdio := server.NewStdioServer(srv)
			return stdio.Listen(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML run config")
	return cmd
}

// newMCPServer builds the MCP server and registers crawl-introspection
// tools against m.
func newMCPServer(m *mcpApp) *server.MCPServer {
	s := server.NewMCPServer("crawlcore", version, server.WithLogging())

	s.AddTool(mcpsdk.NewTool("get_status",
		mcpsdk.WithDescription("Current autoscaling status: concurrency, desired concurrency, and whether the system is considered idle."),
	), m.handleGetStatus)

	s.AddTool(mcpsdk.NewTool("get_queue_stats",
		mcpsdk.WithDescription("Request queue counts: pending, handled, total."),
	), m.handleGetQueueStats)

	s.AddTool(mcpsdk.NewTool("list_sessions",
		mcpsdk.WithDescription("Session pool summary: total, usable, and retired session counts."),
	), m.handleListSessions)

	return s
}

func (m *mcpApp) handleGetStatus(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	info, err := m.app.status.GetCurrentSystemInfo()
	if err != nil {
		return errResult(fmt.Sprintf("get system info: %v", err)), nil
	}
	summary := map[string]any{
		"is_system_idle":      info.IsSystemIdle,
		"current_concurrency": m.app.pool.CurrentConcurrency(),
		"desired_concurrency": m.app.pool.DesiredConcurrency(),
		"cpu_ratio":           info.CPU.LimitRatio,
		"memory_ratio":        info.Memory.LimitRatio,
	}
	return jsonResult(summary)
}

func (m *mcpApp) handleGetQueueStats(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	counts := m.app.queue.Counts()
	return jsonResult(counts)
}

func (m *mcpApp) handleListSessions(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	stats := m.app.sessions.Stats()
	return jsonResult(stats)
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

func newTextResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{mcpsdk.TextContent{Type: "text", Text: text}},
	}
}

func errResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{mcpsdk.TextContent{Type: "text", Text: msg}},
	}
}

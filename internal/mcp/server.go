// Package mcp provides a Model Context Protocol server over topicmap results.
//
// It exposes the topic catalog, topic members, single-record lookups and
// the run history as read-only MCP tools, and the live topic distribution
// and latest run as MCP resources. Transport is stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/soika/topicmap/internal/store"
)

const (
	defaultMemberLimit = 20
	maxMemberLimit     = 200
	defaultRunLimit    = 10
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	DB        *store.DB
	SinkTable string
	Version   string // version string for MCP server info
}

// dbMu serializes handlers. mcp-go dispatches them concurrently, and the
// SQLite handle has a single connection.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all topicmap tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}
	table := cfg.SinkTable
	if table == "" {
		table = store.DefaultSinkTable
	}

	s := server.NewMCPServer(
		"topicmap",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	runs := store.NewRunLog(cfg.DB)
	sink := store.NewResultSink(cfg.DB, table, 0)

	registerTopicsTool(s, runs)
	registerMembersTool(s, sink)
	registerRecordTool(s, sink)
	registerRunsTool(s, runs)

	registerDistributionResource(s, sink)
	registerLatestRunResource(s, runs)

	return s
}

// ServeStdio blocks serving s on stdin/stdout.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultErrorf("encoding result: %v", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// --- Tools ---

func registerTopicsTool(s *server.MCPServer, runs *store.RunLog) {
	tool := mcp.NewTool("topicmap_topics",
		mcp.WithDescription("List the topics of a run with their keywords, member counts and sample documents. Defaults to the latest completed run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("run_id",
			mcp.Description("Run to list (default: latest completed run)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runID := req.GetString("run_id", "")
		var (
			run *store.Run
			err error
		)
		if runID == "" {
			run, err = runs.LatestRun(ctx, store.RunCompleted)
		} else {
			run, err = runs.GetRun(ctx, runID)
		}
		if errors.Is(err, store.ErrNoRuns) {
			return mcp.NewToolResultError("no completed runs yet; run `topicmap run` first"), nil
		}
		if err != nil {
			return mcp.NewToolResultErrorf("loading run: %v", err), nil
		}

		topics, err := runs.ListTopics(ctx, run.ID)
		if err != nil {
			return mcp.NewToolResultErrorf("listing topics: %v", err), nil
		}
		return jsonResult(map[string]any{
			"run":    run,
			"topics": topics,
			"count":  len(topics),
		})
	})
}

func registerMembersTool(s *server.MCPServer, sink *store.ResultSink) {
	tool := mcp.NewTool("topicmap_topic_members",
		mcp.WithDescription("List records assigned to a topic, most confident first. Topic -1 is noise."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("topic_id",
			mcp.Required(),
			mcp.Description("Topic id as stored in the sink"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of records (default: %d, max: %d)", defaultMemberLimit, maxMemberLimit)),
			mcp.Min(1),
			mcp.Max(maxMemberLimit),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		topicID, err := req.RequireFloat("topic_id")
		if err != nil {
			return mcp.NewToolResultError("topic_id is required"), nil
		}
		limit := req.GetInt("limit", defaultMemberLimit)
		if limit <= 0 {
			limit = defaultMemberLimit
		}
		if limit > maxMemberLimit {
			limit = maxMemberLimit
		}

		members, err := sink.Members(ctx, int(topicID), limit)
		if err != nil {
			return mcp.NewToolResultErrorf("listing members: %v", err), nil
		}
		return jsonResult(map[string]any{
			"topic_id": int(topicID),
			"members":  members,
			"count":    len(members),
		})
	})
}

func registerRecordTool(s *server.MCPServer, sink *store.ResultSink) {
	tool := mcp.NewTool("topicmap_record_topic",
		mcp.WithDescription("Look up the topic assigned to one record."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("record_id",
			mcp.Required(),
			mcp.Description("Record id from the source table"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("record_id")
		if err != nil || id == "" {
			return mcp.NewToolResultError("record_id is required"), nil
		}
		got, err := sink.Get(ctx, id)
		if err != nil {
			return mcp.NewToolResultErrorf("looking up record: %v", err), nil
		}
		if got == nil {
			return mcp.NewToolResultErrorf("record %s has no topic assignment", id), nil
		}
		return jsonResult(got)
	})
}

func registerRunsTool(s *server.MCPServer, runs *store.RunLog) {
	tool := mcp.NewTool("topicmap_runs",
		mcp.WithDescription("List recent pipeline runs, newest first, with status and counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of runs (default: %d)", defaultRunLimit)),
			mcp.Min(1),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		list, err := runs.ListRuns(ctx, req.GetInt("limit", defaultRunLimit))
		if err != nil {
			return mcp.NewToolResultErrorf("listing runs: %v", err), nil
		}
		return jsonResult(map[string]any{
			"runs":  list,
			"count": len(list),
		})
	})
}

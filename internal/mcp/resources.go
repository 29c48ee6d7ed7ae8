package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/soika/topicmap/internal/store"
)

const (
	distributionURI = "topicmap://topics/distribution"
	latestRunURI    = "topicmap://runs/latest"
)

func registerDistributionResource(s *server.MCPServer, sink *store.ResultSink) {
	resource := mcp.NewResource(
		distributionURI,
		"Topic Distribution",
		mcp.WithResourceDescription("Record counts per topic as currently stored in the sink, largest first."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		dist, err := sink.Distribution(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying distribution resource: %w", err)
		}
		total := 0
		for _, d := range dist {
			total += d.Count
		}
		data, _ := json.MarshalIndent(map[string]any{
			"topics": dist,
			"count":  len(dist),
			"total":  total,
		}, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerLatestRunResource(s *server.MCPServer, runs *store.RunLog) {
	resource := mcp.NewResource(
		latestRunURI,
		"Latest Run",
		mcp.WithResourceDescription("The most recent pipeline run, whatever its status."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		payload := map[string]any{"available": false}
		run, err := runs.LatestRun(ctx, "")
		switch {
		case errors.Is(err, store.ErrNoRuns):
		case err != nil:
			return nil, fmt.Errorf("querying latest run: %w", err)
		default:
			payload = map[string]any{"available": true, "run": run}
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

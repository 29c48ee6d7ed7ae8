package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/soika/topicmap/internal/store"
)

// helper: a store holding one completed run with two topics and noise.
func setupTestStore(t *testing.T) (*store.DB, string) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(ctx, store.DefaultSinkTable); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	sink := store.NewResultSink(db, store.DefaultSinkTable, 0)
	_, err = sink.Upsert(ctx, []store.Assignment{
		{RecordID: "1", TopicID: 0, TopicName: "0_бумага_офисная", Probability: 0.9},
		{RecordID: "2", TopicID: 0, TopicName: "0_бумага_офисная", Probability: 0.7},
		{RecordID: "3", TopicID: 0, TopicName: "0_бумага_офисная", Probability: 1},
		{RecordID: "4", TopicID: 1, TopicName: "1_кровли_ремонт", Probability: 0.8},
		{RecordID: "5", TopicID: -1, TopicName: "noise", Probability: 0},
	})
	if err != nil {
		t.Fatalf("seeding assignments: %v", err)
	}

	runs := store.NewRunLog(db)
	runID, err := runs.Begin(ctx, map[string]any{"min_cluster_size": 2})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = runs.SaveTopics(ctx, runID, []store.CatalogTopic{
		{TopicID: -1, Name: "noise", MemberCount: 1},
		{TopicID: 0, Name: "0_бумага_офисная", MemberCount: 3,
			Keywords:        []store.KeywordScore{{Term: "бумага", Score: 0.4}, {Term: "офисная", Score: 0.3}},
			Representatives: []string{"бумага офисная"}},
		{TopicID: 1, Name: "1_кровли_ремонт", MemberCount: 1,
			Keywords: []store.KeywordScore{{Term: "кровли", Score: 0.5}}},
	})
	if err != nil {
		t.Fatalf("SaveTopics: %v", err)
	}
	if err := runs.Complete(ctx, runID, store.RunStats{Records: 5, Topics: 2, Noise: 1}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return db, runID
}

func newTestServer(t *testing.T) (*server.MCPServer, string) {
	t.Helper()
	db, runID := setupTestStore(t)
	return NewServer(ServerConfig{DB: db, Version: "test"}), runID
}

// callTool invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func readResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()
	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params": map[string]interface{}{
			"uri": uri,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatalf("no resource contents for %s", uri)
	}
	return resp.Result.Contents[0].Text
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestTopicsTool_LatestRun(t *testing.T) {
	srv, runID := newTestServer(t)
	result := callTool(t, srv, "topicmap_topics", map[string]interface{}{})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var payload struct {
		Run    store.Run            `json:"run"`
		Topics []store.CatalogTopic `json:"topics"`
		Count  int                  `json:"count"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Run.ID != runID || payload.Count != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Topics[0].TopicID != -1 || payload.Topics[1].Keywords[0].Term != "бумага" {
		t.Fatalf("unexpected topics %+v", payload.Topics)
	}
}

func TestTopicsTool_UnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	result := callTool(t, srv, "topicmap_topics", map[string]interface{}{"run_id": "nope"})
	if !result.IsError {
		t.Fatal("expected an error result for an unknown run")
	}
}

func TestMembersTool(t *testing.T) {
	srv, _ := newTestServer(t)
	result := callTool(t, srv, "topicmap_topic_members", map[string]interface{}{
		"topic_id": 0,
		"limit":    2,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var payload struct {
		Members []store.StoredAssignment `json:"members"`
		Count   int                      `json:"count"`
	}
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Count != 2 || payload.Members[0].RecordID != "3" || payload.Members[1].RecordID != "1" {
		t.Fatalf("expected records 3 and 1 by confidence, got %+v", payload.Members)
	}
}

func TestMembersTool_RequiresTopic(t *testing.T) {
	srv, _ := newTestServer(t)
	result := callTool(t, srv, "topicmap_topic_members", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected an error result without topic_id")
	}
}

func TestRecordTool(t *testing.T) {
	srv, _ := newTestServer(t)
	result := callTool(t, srv, "topicmap_record_topic", map[string]interface{}{"record_id": "4"})
	if text := getTextContent(t, result); result.IsError || !strings.Contains(text, "1_кровли_ремонт") {
		t.Fatalf("unexpected record result: %s", text)
	}

	missing := callTool(t, srv, "topicmap_record_topic", map[string]interface{}{"record_id": "404"})
	if !missing.IsError {
		t.Fatal("expected an error result for an unassigned record")
	}
}

func TestRunsTool(t *testing.T) {
	srv, runID := newTestServer(t)
	result := callTool(t, srv, "topicmap_runs", map[string]interface{}{"limit": 5})
	text := getTextContent(t, result)
	if result.IsError || !strings.Contains(text, runID) || !strings.Contains(text, store.RunCompleted) {
		t.Fatalf("unexpected runs result: %s", text)
	}
}

func TestDistributionResource(t *testing.T) {
	srv, _ := newTestServer(t)
	var payload struct {
		Topics []store.TopicCount `json:"topics"`
		Total  int                `json:"total"`
	}
	if err := json.Unmarshal([]byte(readResource(t, srv, distributionURI)), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.Total != 5 || len(payload.Topics) != 3 {
		t.Fatalf("unexpected distribution %+v", payload)
	}
	if payload.Topics[0].TopicID != 0 || payload.Topics[0].Count != 3 {
		t.Fatalf("largest topic should come first, got %+v", payload.Topics[0])
	}
}

func TestLatestRunResource_Empty(t *testing.T) {
	db, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(context.Background(), ""); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	srv := NewServer(ServerConfig{DB: db})
	if text := readResource(t, srv, latestRunURI); !strings.Contains(text, `"available": false`) {
		t.Fatalf("expected unavailable latest run, got %s", text)
	}
}

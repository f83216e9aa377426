package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

type fakeMemory struct {
	results []string
	err     error
	query   string
	max     int
}

func (m *fakeMemory) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	m.query = query
	m.max = maxResults
	return m.results, m.err
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)

	want := []string{"bash", "list_files", "memory_search", "read_file", "write_file"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v", got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestListShape(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)

	for _, entry := range r.List() {
		if entry["type"] != "function" {
			t.Errorf("entry type = %v", entry["type"])
		}
		fn, ok := entry["function"].(map[string]any)
		if !ok {
			t.Fatal("missing function block")
		}
		if fn["name"] == "" || fn["description"] == "" {
			t.Errorf("incomplete function block: %v", fn)
		}
		if _, ok := fn["parameters"].(map[string]any); !ok {
			t.Errorf("missing parameters for %v", fn["name"])
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)

	out := r.Execute(context.Background(), "teleport", `{}`)

	var result map[string]string
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result["error"] != "unknown tool: teleport" {
		t.Errorf("error = %q", result["error"])
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)

	out := r.Execute(context.Background(), "bash", `{not json`)

	var result map[string]string
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result["error"] == "" {
		t.Error("invalid arguments not reported")
	}
}

func TestExecuteHandlerErrorBecomesResult(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)
	r.Register(&Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("it broke")
		},
	})

	out := r.ExecuteArgs(context.Background(), "boom", nil)

	var result map[string]string
	json.Unmarshal([]byte(out), &result)
	if result["error"] != "it broke" {
		t.Errorf("error = %q", result["error"])
	}
}

func TestDisabledCapabilities(t *testing.T) {
	r := NewRegistry(nil, nil, nil, nil)

	tests := []struct {
		tool string
		args map[string]any
	}{
		{"bash", map[string]any{"command": "ls"}},
		{"read_file", map[string]any{"path": "/tmp/x"}},
		{"write_file", map[string]any{"path": "/tmp/x", "content": "y"}},
		{"list_files", map[string]any{"path": "/tmp"}},
		{"memory_search", map[string]any{"query": "anything"}},
	}
	for _, tt := range tests {
		out := r.ExecuteArgs(context.Background(), tt.tool, tt.args)
		var result map[string]string
		json.Unmarshal([]byte(out), &result)
		if result["error"] == "" {
			t.Errorf("%s with nil backend did not report an error: %s", tt.tool, out)
		}
	}
}

func TestMemorySearch(t *testing.T) {
	mem := &fakeMemory{results: []string{"note one", "note two"}}
	r := NewRegistry(nil, nil, mem, nil)

	out := r.ExecuteArgs(context.Background(), "memory_search", map[string]any{
		"query":       "groceries",
		"max_results": float64(3),
	})

	var result struct {
		Results []string `json:"results"`
		Count   int      `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result.Count != 2 || len(result.Results) != 2 {
		t.Errorf("results = %v", result.Results)
	}
	if mem.query != "groceries" || mem.max != 3 {
		t.Errorf("search called with %q/%d", mem.query, mem.max)
	}
}

func TestMemorySearchDefaults(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRegistry(nil, nil, mem, nil)

	r.ExecuteArgs(context.Background(), "memory_search", map[string]any{"query": "x"})
	if mem.max != 5 {
		t.Errorf("default max_results = %d, want 5", mem.max)
	}
}

func TestSessionIDContext(t *testing.T) {
	ctx := context.Background()
	if got := SessionIDFromContext(ctx); got != "default" {
		t.Errorf("missing session id = %q, want default", got)
	}

	ctx = WithSessionID(ctx, "tg-42")
	if got := SessionIDFromContext(ctx); got != "tg-42" {
		t.Errorf("session id = %q", got)
	}
}

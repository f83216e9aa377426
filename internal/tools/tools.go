// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// MemorySearcher is the slice of the memory store the memory_search
// tool needs.
type MemorySearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	bash   *BashExec
	files  *FileTools
	memory MemorySearcher
	logger *slog.Logger
}

// NewRegistry creates a tool registry. memory may be nil, in which case
// memory_search reports that memory is disabled.
func NewRegistry(bash *BashExec, files *FileTools, memory MemorySearcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		bash:   bash,
		files:  files,
		memory: memory,
		logger: logger.With("component", "tools"),
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "bash",
		Description: "Run a shell command and return its combined output and exit code. First use of a command name requires user approval.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to run",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Optional working directory for the command",
				},
			},
			"required": []string{"command"},
		},
		Handler: r.handleBash,
	})

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a text file. Supports windowed reads of large files via offset (1-indexed starting line) and limit (line count).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the home directory. ~ is expanded.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "1-indexed starting line",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of lines to return",
				},
			},
			"required": []string{"path"},
		},
		Handler: r.handleReadFile,
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the home directory. ~ is expanded.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to write",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: r.handleWriteFile,
	})

	r.Register(&Tool{
		Name:        "list_files",
		Description: "List files in a directory, optionally recursively.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path, absolute or relative to the home directory. ~ is expanded.",
				},
				"recursive": map[string]any{
					"type":        "boolean",
					"description": "Recurse into subdirectories (default false)",
				},
			},
			"required": []string{"path"},
		},
		Handler: r.handleListFiles,
	})

	r.Register(&Tool{
		Name:        "memory_search",
		Description: "Search saved memories for relevant context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search terms",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: r.handleMemorySearch,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in the shape the LLM expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with JSON-encoded arguments. The result
// is always a JSON document: handler errors come back as {"error": msg}
// so the caller can feed them to the model rather than fail the turn.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string) string {
	tool := r.tools[name]
	if tool == nil {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Debug("tool returned error", "tool", name, "error", err)
		return errorResult(err.Error())
	}
	return result
}

// ExecuteArgs runs a tool with already-decoded arguments.
func (r *Registry) ExecuteArgs(ctx context.Context, name string, args map[string]any) string {
	tool := r.tools[name]
	if tool == nil {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Debug("tool returned error", "tool", name, "error", err)
		return errorResult(err.Error())
	}
	return result
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func jsonResult(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return string(data)
}

func (r *Registry) handleMemorySearch(ctx context.Context, args map[string]any) (string, error) {
	if r.memory == nil {
		return "", fmt.Errorf("memory is disabled")
	}

	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	maxResults := 5
	if m, ok := args["max_results"].(float64); ok && m > 0 {
		maxResults = int(m)
	}

	results, err := r.memory.Search(ctx, query, maxResults)
	if err != nil {
		return "", fmt.Errorf("memory search: %w", err)
	}
	return jsonResult(map[string]any{
		"results": results,
		"count":   len(results),
	}), nil
}

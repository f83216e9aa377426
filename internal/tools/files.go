package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// AllowedDirsEnvVar replaces the configured allowed directories at
// runtime with its own colon-separated list.
const AllowedDirsEnvVar = "BASHOBOT_ALLOWED_DIRS"

const (
	binarySniffBytes = 8 * 1024
	maxReadBytes     = 50 * 1024
)

// FileTools provides file read/write/list capabilities confined to a
// set of allowed directories.
type FileTools struct {
	home        string
	allowedDirs []string // empty = no restriction
}

// NewFileTools creates file tools rooted at the user's home directory.
// allowedDirs entries restrict which paths may be touched; when
// BASHOBOT_ALLOWED_DIRS is set, its entries replace the configured
// list. An empty resulting list allows everything, but config loading
// defaults allowed_dirs to the home directory so a daemon built from
// a config file is always confined.
func NewFileTools(home string, allowedDirs []string) *FileTools {
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	if env := os.Getenv(AllowedDirsEnvVar); env != "" {
		allowedDirs = strings.Split(env, ":")
	}
	var dirs []string
	for _, d := range allowedDirs {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, expandHome(d, home))
		}
	}

	return &FileTools{home: home, allowedDirs: dirs}
}

// expandHome replaces a leading ~ with the home directory.
func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~, resolves relative paths against home, and
// checks containment against the allowed directories. Canonicalization
// is lexical (Clean), deliberately not following symlinks.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	path = expandHome(path, ft.home)
	if !filepath.IsAbs(path) {
		path = filepath.Join(ft.home, path)
	}
	path = filepath.Clean(path)

	if len(ft.allowedDirs) == 0 {
		return path, nil
	}
	for _, dir := range ft.allowedDirs {
		dir = filepath.Clean(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fmt.Errorf("path not in allowed directories: %s", path)
}

// Read returns file content, windowed by offset (1-indexed starting
// line) and limit (line count). Binary files are refused with size
// information instead of content.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	if isBinary(data) {
		return jsonResult(map[string]any{
			"binary":     true,
			"size_bytes": len(data),
			"note":       "binary file, content not returned",
		}), nil
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= totalLines {
		return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, totalLines)
	}
	end := totalLines
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	content := strings.Join(lines[start:end], "\n")
	truncated := false
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		truncated = true
	}

	return jsonResult(map[string]any{
		"content":     content,
		"start_line":  start + 1,
		"end_line":    end,
		"total_lines": totalLines,
		"truncated":   truncated,
	}), nil
}

// Write writes content to a file, creating parent directories as needed.
func (ft *FileTools) Write(ctx context.Context, path, content string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return jsonResult(map[string]any{
		"path":          absPath,
		"bytes_written": len(content),
	}), nil
}

// List lists directory entries, optionally recursively.
func (ft *FileTools) List(ctx context.Context, path string, recursive bool) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	var entries []string
	if recursive {
		err = filepath.WalkDir(absPath, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == absPath {
				return nil
			}
			rel, _ := filepath.Rel(absPath, p)
			if d.IsDir() {
				rel += "/"
			}
			entries = append(entries, rel)
			return nil
		})
	} else {
		var dirEntries []fs.DirEntry
		dirEntries, err = os.ReadDir(absPath)
		for _, e := range dirEntries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory not found: %s", path)
		}
		return "", fmt.Errorf("list directory: %w", err)
	}

	return jsonResult(map[string]any{
		"path":    absPath,
		"entries": entries,
		"count":   len(entries),
	}), nil
}

// isBinary sniffs for a NUL byte in the leading chunk.
func isBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffBytes {
		n = binarySniffBytes
	}
	return bytes.IndexByte(data[:n], 0) >= 0
}

func (r *Registry) handleReadFile(ctx context.Context, args map[string]any) (string, error) {
	if r.files == nil {
		return "", fmt.Errorf("file tools are disabled")
	}
	path, _ := args["path"].(string)
	offset := 0
	if o, ok := args["offset"].(float64); ok {
		offset = int(o)
	}
	limit := 0
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}
	return r.files.Read(ctx, path, offset, limit)
}

func (r *Registry) handleWriteFile(ctx context.Context, args map[string]any) (string, error) {
	if r.files == nil {
		return "", fmt.Errorf("file tools are disabled")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	return r.files.Write(ctx, path, content)
}

func (r *Registry) handleListFiles(ctx context.Context, args map[string]any) (string, error) {
	if r.files == nil {
		return "", fmt.Errorf("file tools are disabled")
	}
	path, _ := args["path"].(string)
	recursive, _ := args["recursive"].(bool)
	return r.files.List(ctx, path, recursive)
}

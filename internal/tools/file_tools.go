package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 50 * 1024

// FileTools provides file read/write/edit capabilities rooted at a
// workspace directory. Paths that resolve outside it are refused.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a FileTools rooted at workspacePath. An empty
// path disables file operations.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// in returns ft rooted at the run's workspace when one is set.
func (ft *FileTools) in(rc RunContext) *FileTools {
	if rc.WorkspaceRoot != "" {
		return &FileTools{workspacePath: rc.WorkspaceRoot}
	}
	return ft
}

// resolvePath converts path to an absolute path inside the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	root, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Read returns a file's contents. offset (1-based) and limit select a
// line range; zero values read the whole file.
func (ft *FileTools) Read(ctx context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := max(offset-1, 0)
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write writes content to a file, creating parent directories.
func (ft *FileTools) Write(ctx context.Context, path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Edit replaces the single occurrence of oldText with newText.
func (ft *FileTools) Edit(ctx context.Context, path, oldText, newText string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case oldText == "" || n == 0:
		return fmt.Errorf("old text not found in file")
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(absPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List returns directory entries; directories carry a trailing slash.
func (ft *FileTools) List(ctx context.Context, path string) ([]string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

func pathParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// Skills returns read_file, write_file, edit_file and list_dir.
func (ft *FileTools) Skills() []*Tool {
	return []*Tool{
		{
			Name:        "read_file",
			Category:    CategoryFiles,
			Description: "Read a text file from the workspace. Use offset and limit to page through large files.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   pathParam("File path relative to the workspace"),
					"offset": map[string]any{"type": "integer", "description": "First line to return (1-based)"},
					"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines"},
				},
				"required": []string{"path"},
			},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				content, err := ft.in(rc).Read(ctx, stringArg(args, "path"), intArg(args, "offset"), intArg(args, "limit"))
				if err != nil {
					return Fail("%v", err)
				}
				return OK(content)
			},
		},
		{
			Name:        "write_file",
			Category:    CategoryFiles,
			Description: "Create or overwrite a file in the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathParam("File path relative to the workspace"),
					"content": map[string]any{"type": "string", "description": "Full file contents"},
				},
				"required": []string{"path", "content"},
			},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				path := stringArg(args, "path")
				content := stringArg(args, "content")
				if err := ft.in(rc).Write(ctx, path, content); err != nil {
					return Fail("%v", err)
				}
				return OK(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
			},
		},
		{
			Name:        "edit_file",
			Category:    CategoryFiles,
			Description: "Replace one unique occurrence of old_text with new_text in a workspace file.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":     pathParam("File path relative to the workspace"),
					"old_text": map[string]any{"type": "string", "description": "Exact text to replace; must appear once"},
					"new_text": map[string]any{"type": "string", "description": "Replacement text"},
				},
				"required": []string{"path", "old_text", "new_text"},
			},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				path := stringArg(args, "path")
				if err := ft.in(rc).Edit(ctx, path, stringArg(args, "old_text"), stringArg(args, "new_text")); err != nil {
					return Fail("%v", err)
				}
				return OK("edited " + path)
			},
		},
		{
			Name:        "list_dir",
			Category:    CategoryFiles,
			Description: "List the entries of a workspace directory. Directories end with a slash.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": pathParam("Directory relative to the workspace (default \".\")"),
				},
			},
			Handler: func(ctx context.Context, args map[string]any, rc RunContext) Result {
				path := stringArg(args, "path")
				if path == "" {
					path = "."
				}
				entries, err := ft.in(rc).List(ctx, path)
				if err != nil {
					return Fail("%v", err)
				}
				return OK(entries)
			},
		},
	}
}

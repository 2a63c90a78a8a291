package tools

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestFileTools_ResolvePath(t *testing.T) {
	ft := NewFileTools(t.TempDir())

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative path", "test.txt", false},
		{"nested path", "dir/subdir/file.txt", false},
		{"dot prefix", "./test.txt", false},
		{"workspace root", ".", false},
		{"parent escape attempt", "../outside.txt", true},
		{"absolute escape attempt", "/etc/passwd", true},
		{"sneaky escape", "dir/../../outside.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ft.resolvePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestFileTools_SiblingPrefixEscape(t *testing.T) {
	parent := t.TempDir()
	ft := NewFileTools(filepath.Join(parent, "work"))

	if _, err := ft.resolvePath(filepath.Join(parent, "workshop", "x.txt")); err == nil {
		t.Error("sibling directory sharing a name prefix must be refused")
	}
}

func TestFileTools_ReadWriteEdit(t *testing.T) {
	workspace := t.TempDir()
	ft := NewFileTools(workspace)
	ctx := context.Background()

	content := "Hello, World!\nLine 2\nLine 3"
	if err := ft.Write(ctx, "test.txt", content); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, "test.txt")); err != nil {
		t.Fatalf("File not created: %v", err)
	}

	got, err := ft.Read(ctx, "test.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != content {
		t.Errorf("Read content mismatch: got %q, want %q", got, content)
	}

	got, err = ft.Read(ctx, "test.txt", 2, 1)
	if err != nil {
		t.Fatalf("Read with offset failed: %v", err)
	}
	if got != "[Lines 2-2 of 3]\nLine 2" {
		t.Errorf("Read with offset mismatch: got %q", got)
	}

	if err := ft.Edit(ctx, "test.txt", "Line 2", "Modified Line 2"); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	got, _ = ft.Read(ctx, "test.txt", 0, 0)
	if want := "Hello, World!\nModified Line 2\nLine 3"; got != want {
		t.Errorf("Edit content mismatch: got %q, want %q", got, want)
	}

	if err := ft.Edit(ctx, "test.txt", "NOT FOUND", "replacement"); err == nil {
		t.Error("Edit should fail for non-existent text")
	}
	if err := ft.Edit(ctx, "test.txt", "Line", "x"); err == nil {
		t.Error("Edit should fail for ambiguous text")
	}
}

func TestFileTools_List(t *testing.T) {
	workspace := t.TempDir()
	os.WriteFile(filepath.Join(workspace, "file1.txt"), []byte("test"), 0o644)
	os.WriteFile(filepath.Join(workspace, "file2.md"), []byte("test"), 0o644)
	os.MkdirAll(filepath.Join(workspace, "subdir"), 0o755)

	entries, err := NewFileTools(workspace).List(context.Background(), ".")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries, got %d: %v", len(entries), entries)
	}
	if !slices.Contains(entries, "subdir/") {
		t.Errorf("Expected 'subdir/' in entries: %v", entries)
	}
}

func TestFileTools_Disabled(t *testing.T) {
	ft := NewFileTools("")
	if ft.Enabled() {
		t.Error("FileTools should be disabled with empty path")
	}

	ctx := context.Background()
	if _, err := ft.Read(ctx, "test.txt", 0, 0); err == nil {
		t.Error("Read should fail when disabled")
	}
	if err := ft.Write(ctx, "test.txt", "content"); err == nil {
		t.Error("Write should fail when disabled")
	}
	if _, err := ft.List(ctx, "."); err == nil {
		t.Error("List should fail when disabled")
	}
}

func TestFileSkills_UseRunWorkspace(t *testing.T) {
	configured := t.TempDir()
	runRoot := t.TempDir()

	reg := NewRegistry()
	for _, s := range NewFileTools(configured).Skills() {
		if err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	reg.Seal()

	ctx := context.Background()
	rc := RunContext{WorkspaceRoot: runRoot}

	res := reg.Execute(ctx, "write_file", map[string]any{"path": "a.txt", "content": "alpha"}, rc)
	if !res.Success {
		t.Fatalf("write_file: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(runRoot, "a.txt")); err != nil {
		t.Errorf("file not written under run workspace: %v", err)
	}

	res = reg.Execute(ctx, "read_file", map[string]any{"path": "a.txt"}, rc)
	if !res.Success || res.Data != "alpha" {
		t.Errorf("read_file = %+v", res)
	}

	res = reg.Execute(ctx, "read_file", map[string]any{"path": "../escape"}, rc)
	if res.Success || !strings.Contains(res.Error, "escapes workspace") {
		t.Errorf("escape attempt = %+v", res)
	}

	res = reg.Execute(ctx, "list_dir", nil, RunContext{})
	if !res.Success {
		t.Errorf("list_dir on configured root: %+v", res)
	}
}

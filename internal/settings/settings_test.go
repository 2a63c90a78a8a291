package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/agentcore/internal/config"
)

func TestParseToolsMode(t *testing.T) {
	for _, s := range []string{"hybrid", "native", "text", "disabled"} {
		if _, err := ParseToolsMode(s); err != nil {
			t.Errorf("ParseToolsMode(%q) = %v", s, err)
		}
	}
	if _, err := ParseToolsMode("auto"); err == nil {
		t.Error("ParseToolsMode(auto) should fail")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.DisabledSkills = []string{"shell_exec"}

	s := FromConfig(cfg, nil)
	snap := s.Snapshot()

	if snap.Provider != "ollama" {
		t.Errorf("Provider = %q, want ollama", snap.Provider)
	}
	if snap.Model() != cfg.Providers.Ollama.Model {
		t.Errorf("Model() = %q, want %q", snap.Model(), cfg.Providers.Ollama.Model)
	}
	if snap.ToolsMode != ModeHybrid {
		t.Errorf("ToolsMode = %q, want hybrid", snap.ToolsMode)
	}
	if snap.SkillEnabled("shell_exec") {
		t.Error("shell_exec should start disabled")
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	s := New(Overrides{Provider: "ollama", Models: map[string]string{"ollama": "a"}}, nil)

	snap := s.Snapshot()
	snap.Models["ollama"] = "mutated"
	snap.Disabled = append(snap.Disabled, "x")

	again := s.Snapshot()
	if again.Models["ollama"] != "a" {
		t.Errorf("snapshot mutation leaked into store: %q", again.Models["ollama"])
	}
	if !again.SkillEnabled("x") {
		t.Error("disabled-set mutation leaked into store")
	}
}

func TestEnableDisableSkill(t *testing.T) {
	s := New(Overrides{}, nil)

	if !s.DisableSkill("web_fetch") {
		t.Error("first DisableSkill should report a change")
	}
	if s.DisableSkill("web_fetch") {
		t.Error("second DisableSkill should be a no-op")
	}
	if s.Snapshot().SkillEnabled("web_fetch") {
		t.Error("web_fetch should be disabled")
	}
	if !s.EnableSkill("web_fetch") {
		t.Error("EnableSkill should report a change")
	}
	if s.EnableSkill("web_fetch") {
		t.Error("second EnableSkill should be a no-op")
	}
	if !s.Snapshot().SkillEnabled("web_fetch") {
		t.Error("web_fetch should be enabled")
	}
}

func TestSetProviderKeepsModelWhenEmpty(t *testing.T) {
	s := New(Overrides{Provider: "anthropic", Models: map[string]string{"ollama": "qwen3:8b"}}, nil)

	s.SetProvider("ollama", "")
	if got := s.Snapshot().Model(); got != "qwen3:8b" {
		t.Errorf("Model() = %q, want qwen3:8b", got)
	}

	s.SetProvider("ollama", "llama3")
	if got := s.Snapshot().Model(); got != "llama3" {
		t.Errorf("Model() = %q, want llama3", got)
	}
}

func TestSetToolsModeRejectsUnknown(t *testing.T) {
	s := New(Overrides{}, nil)
	if err := s.SetToolsMode("sometimes"); err == nil {
		t.Fatal("expected error")
	}
	if s.Snapshot().ToolsMode != ModeHybrid {
		t.Error("invalid mode must not be applied")
	}
	if err := s.SetToolsMode(ModeText); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().ToolsMode != ModeText {
		t.Error("mode not applied")
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "overrides.yaml")

	s := New(Overrides{
		Provider:  "anthropic",
		Models:    map[string]string{"anthropic": "claude-x"},
		ToolsMode: ModeNative,
		Persona:   "not persisted",
	}, nil)
	s.DisableSkill("shell_exec")
	s.SetSystemPrompt("be brief")

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	saved, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if saved.Persona != "" {
		t.Errorf("persona should not be saved, got %q", saved.Persona)
	}

	fresh := New(Overrides{Provider: "ollama"}, nil)
	fresh.Apply(saved)
	snap := fresh.Snapshot()

	if snap.Provider != "anthropic" || snap.Model() != "claude-x" {
		t.Errorf("provider/model = %q/%q", snap.Provider, snap.Model())
	}
	if snap.ToolsMode != ModeNative {
		t.Errorf("ToolsMode = %q", snap.ToolsMode)
	}
	if snap.SkillEnabled("shell_exec") {
		t.Error("shell_exec should be disabled after Apply")
	}
	if snap.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", snap.SystemPrompt)
	}
}

func TestConcurrentMutation(t *testing.T) {
	s := New(Overrides{}, nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				s.DisableSkill("a")
			} else {
				s.EnableSkill("a")
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot().SkillEnabled("a")
		}()
	}
	wg.Wait()
}

func TestWatchPersonaReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := New(Overrides{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.WatchPersona(ctx, path) }()

	waitFor(t, func() bool { return s.Snapshot().Persona == "first" })

	if err := os.WriteFile(path, []byte("second\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Snapshot().Persona == "second" })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchPersona returned %v", err)
	}
}

func TestWatchPersonaMissingFile(t *testing.T) {
	s := New(Overrides{}, nil)
	err := s.WatchPersona(context.Background(), filepath.Join(t.TempDir(), "nope.md"))
	if err == nil {
		t.Fatal("expected error for missing persona file")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

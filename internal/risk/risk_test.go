package risk

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClassify_RmRecursiveRoot(t *testing.T) {
	c := New(nil)
	got := c.Classify("rm", map[string]any{"args": []any{"-rf", "/"}})

	if got.Level != High {
		t.Fatalf("Level = %v, want high", got.Level)
	}
	reason := strings.ToLower(got.Reason)
	if !strings.Contains(reason, "recursive") || !strings.Contains(reason, "deletion") {
		t.Errorf("reason %q should mention recursive deletion", got.Reason)
	}
	if !strings.Contains(reason, "dangerous path (/)") {
		t.Errorf("reason %q should mention the dangerous target", got.Reason)
	}
}

func TestClassify_ShellCommands(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    Level
		reason  string
	}{
		{"plain listing", "ls -la", Medium, "Runs: ls -la"},
		{"rm -rf home", "rm -rf ~", High, "dangerous path (~)"},
		{"rm recursive only", "rm -r build", High, "Recursive deletion"},
		{"rm single file", "rm notes.txt", Medium, "Runs: rm notes.txt"},
		{"rm long flags", "rm --recursive --force /tmp/x", High, "Recursive forced deletion"},
		{"rm glob", "rm -f *", High, "dangerous path (*)"},
		{"sudo", "sudo apt-get upgrade", High, "elevated privileges (sudo)"},
		{"doas", "doas reboot", High, "elevated privileges (doas)"},
		{"force push", "git push --force origin main", High, "Force push can overwrite remote history"},
		{"force push short", "git push -f", High, "Force push"},
		{"plain push", "git push origin main", Medium, "Runs: git push origin main"},
		{"reset hard", "git reset --hard HEAD~3", High, "Hard reset discards uncommitted changes"},
		{"git clean", "git clean -fdx", High, "git clean"},
		{"chained", "cd /tmp && rm -rf /", High, "Recursive forced deletion"},
		{"piped sudo", "echo y | sudo rm -rf /", High, "elevated privileges"},
		{"dd", "dd if=/dev/zero of=/dev/sda", High, "overwrite disks"},
		{"mkfs variant", "mkfs.ext4 /dev/sdb1", High, "overwrite disks"},
		{"absolute rm", "/bin/rm -rf /", High, "Recursive forced deletion"},
		{"absolute sudo", "/usr/bin/sudo reboot", High, "elevated privileges (sudo)"},
		{"sudo as user", "sudo -u deploy rm -rf ~", High, "dangerous path (~)"},
		{"env wrapper", "env rm -rf /", High, "Recursive forced deletion"},
		{"env assignment", "LANG=C FOO=1 rm -rf /", High, "dangerous path (/)"},
		{"command wrapper", "command rm -rf /", High, "Recursive forced deletion"},
		{"nice with value", "nice -n 10 rm -rf /tmp/x", High, "Recursive forced deletion"},
		{"timeout duration", "timeout 5 rm -rf /tmp/x", High, "Recursive forced deletion"},
		{"xargs", "xargs rm -rf < list", High, "Recursive forced deletion"},
		{"bash -c", "bash -c 'rm -rf /'", High, "dangerous path (/)"},
		{"sh -lc", `sh -lc "git push --force"`, High, "Force push"},
		{"nested shells", `bash -c "sh -c 'dd if=/dev/zero of=/dev/sda'"`, High, "overwrite disks"},
		{"su -c", "su root -c 'rm -rf /'", High, "Recursive forced deletion"},
		{"git global dir", "git -C repo push --force", High, "Force push"},
		{"git global config", "git -c core.pager=cat reset --hard", High, "Hard reset"},
		{"git dir flag", "git --git-dir=.git clean -fd", High, "git clean"},
		{"bash script file", "bash build.sh", Medium, "Runs: bash build.sh"},
		{"env listing", "env", Medium, "Runs: env"},
		{"assignment only", "FOO=bar", Medium, "Runs: FOO=bar"},
	}
	c := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify("shell_exec", map[string]any{"command": tt.command})
			if got.Level != tt.want {
				t.Errorf("Level = %v, want %v (reason %q)", got.Level, tt.want, got.Reason)
			}
			if !strings.Contains(got.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestClassify_MultipleReasonsJoined(t *testing.T) {
	got := New(nil).Classify("shell_exec", map[string]any{"command": "sudo rm -rf / ; git push --force"})
	for _, want := range []string{"elevated privileges", "Recursive forced deletion", "dangerous path (/)", "Force push"} {
		if !strings.Contains(got.Reason, want) {
			t.Errorf("Reason %q missing %q", got.Reason, want)
		}
	}
	if strings.Count(got.Reason, "; ") != 3 {
		t.Errorf("Reason %q should join four flags", got.Reason)
	}
}

func TestClassify_Baselines(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want Level
	}{
		{"read_file", map[string]any{"path": "a.txt"}, Low},
		{"list_dir", nil, Low},
		{"web_fetch", map[string]any{"url": "https://example.com"}, Low},
		{"write_file", map[string]any{"path": "a.txt"}, Medium},
		{"switch_provider", map[string]any{"provider": "ollama"}, Medium},
		{"shell_exec", nil, Medium},
		{"git", map[string]any{"args": []string{"status"}}, Medium},
	}
	c := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.name, tt.args); got.Level != tt.want {
				t.Errorf("Level = %v, want %v", got.Level, tt.want)
			}
		})
	}
}

func TestClassify_BinarySkillArgs(t *testing.T) {
	c := New(nil)
	tests := []struct {
		name string
		args map[string]any
	}{
		{"any slice", map[string]any{"args": []any{"push", "--force"}}},
		{"string slice", map[string]any{"args": []string{"push", "--force"}}},
		{"string", map[string]any{"args": "push --force"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify("git", tt.args)
			if got.Level != High || !strings.Contains(got.Reason, "Force push") {
				t.Errorf("Classify = %+v", got)
			}
		})
	}
}

func TestClassify_UnknownFailsClosed(t *testing.T) {
	got := New(nil).Classify("launch_rocket", map[string]any{"target": "moon"})
	if got.Level != Medium {
		t.Errorf("Level = %v, want medium", got.Level)
	}
	if !strings.Contains(got.Reason, "review carefully") {
		t.Errorf("Reason = %q", got.Reason)
	}
}

func TestClassify_Overrides(t *testing.T) {
	c := New(map[string]Level{"launch_rocket": High, "read_file": Medium})
	if got := c.Classify("launch_rocket", nil); got.Level != High || got.Reason != "" {
		t.Errorf("override = %+v", got)
	}
	if got := c.Classify("read_file", nil); got.Level != Medium {
		t.Errorf("read_file = %v", got.Level)
	}
	if got := New(nil).Classify("read_file", nil); got.Level != Low {
		t.Error("overrides leaked into DefaultBaseline")
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c := New(nil)
	cases := []struct {
		name string
		args map[string]any
	}{
		{"rm", map[string]any{"args": []any{"-rf", "/"}}},
		{"shell_exec", map[string]any{"command": "sudo git reset --hard && rm -rf ~"}},
		{"mystery", map[string]any{"x": 1}},
		{"read_file", map[string]any{"path": "a"}},
	}
	for _, tc := range cases {
		first := c.Classify(tc.name, tc.args)
		second := c.Classify(tc.name, tc.args)
		if first != second {
			t.Errorf("%s: %+v != %+v", tc.name, first, second)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Level
		err  bool
	}{
		{"low", Low, false},
		{"Medium", Medium, false},
		{" high ", High, false},
		{"extreme", Low, true},
	} {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
	if !(Low < Medium && Medium < High) {
		t.Error("levels must be ordered")
	}
}

func TestClassification_JSON(t *testing.T) {
	data, err := json.Marshal(Classification{Level: High, Reason: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"level":"high","reason":"r"}` {
		t.Errorf("json = %s", data)
	}
}

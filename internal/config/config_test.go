package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("local-agent")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Agent.ID != "local-agent" {
		t.Fatalf("agent id = %q", cfg.Agent.ID)
	}
	if cfg.Intervals.Orchestrator.Std() != 5*time.Second {
		t.Fatalf("orchestrator interval = %v", cfg.Intervals.Orchestrator.Std())
	}
	if cfg.SLA.Threshold.Std() != 24*time.Hour {
		t.Fatalf("sla threshold = %v", cfg.SLA.Threshold.Std())
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "workvault.yml"), []byte(GenerateDefault("cloud-agent")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.ID != "cloud-agent" {
		t.Fatalf("agent id = %q", cfg.Agent.ID)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "wv init") {
		t.Fatalf("expected missing-config hint, got %v", err)
	}
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional = %v, %v", cfg, err)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing vault", "agent:\n  id: a\n  role: local\n", "vault.path"},
		{"missing agent id", "vault:\n  path: ./v\nagent:\n  role: local\n", "agent.id"},
		{"bad role", "vault:\n  path: ./v\nagent:\n  id: a\n  role: manager\n", "role"},
		{"nameless feed", "vault:\n  path: ./v\nagent:\n  id: a\n  role: local\nwatchers:\n  feeds:\n    - kind: EMAIL\n", "name is required"},
		{"bad schedule", "vault:\n  path: ./v\nagent:\n  id: a\n  role: local\nschedule:\n  daily_briefing: \"25:99\"\n", "HH:MM"},
		{"bad duration", "vault:\n  path: ./v\nagent:\n  id: a\n  role: local\nsla:\n  threshold: soon\n", "invalid duration"},
	}
	for _, tc := range cases {
		_, err := FromYAML([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want %q", tc.name, err, tc.want)
		}
	}
}

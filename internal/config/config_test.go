package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offloadd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultHasSocket(t *testing.T) {
	cfg := Default()
	if cfg.Socket == "" {
		t.Error("default config must carry an endpoint path")
	}
	if cfg.Quiet || cfg.ExitOnIdle || cfg.MaxParallel != 0 {
		t.Errorf("unexpected non-zero defaults: %+v", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
socket: /run/user/1000/offloadd-test.sock
quiet: true
exit_on_idle: true
event_log: /tmp/offload-events.jsonl
max_parallel: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Socket != "/run/user/1000/offloadd-test.sock" {
		t.Errorf("socket = %q", cfg.Socket)
	}
	if !cfg.Quiet || !cfg.ExitOnIdle {
		t.Errorf("booleans not applied: %+v", cfg)
	}
	if cfg.EventLog != "/tmp/offload-events.jsonl" || cfg.MaxParallel != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "quiet: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Quiet {
		t.Error("quiet not applied")
	}
	if cfg.Socket == "" {
		t.Error("socket default lost")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "qiuet: true\n")
	if _, err := Load(path); err == nil {
		t.Error("typoed key should fail loading")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file should be an error")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roundtrip/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Client.URL() != "ws://localhost:9099/ws" {
		t.Fatalf("unexpected url %s", cfg.Client.URL())
	}
	if cfg.Server.InputQueueSize != 60 || cfg.Client.Source != "roundtrip" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeFile(t, "roundtrip.yaml", `
client:
  endpoint: ws://engine.local:7000/ws
  tag_modes:
    cam: droppable
    audit: blocking
  capacity_wait_timeout: 2s
  fps: 15
server:
  engine: describe
log:
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Client.URL() != "ws://engine.local:7000/ws" {
		t.Fatalf("unexpected url %s", cfg.Client.URL())
	}
	if cfg.Client.CapacityWaitTimeout != 2*time.Second || cfg.Client.FPS != 15 {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Client.Width != 640 || cfg.Server.Port != 9099 {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	modes, err := cfg.Client.Modes()
	if err != nil {
		t.Fatalf("modes: %v", err)
	}
	if modes["audit"] != domain.ModeBlocking || modes["cam"] != domain.ModeDroppable {
		t.Fatalf("unexpected modes %v", modes)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "roundtrip.yaml", "client:\n  host: file-host\n")
	t.Setenv("ROUNDTRIP_HOST", "env-host")
	t.Setenv("ROUNDTRIP_PORT", "7001")
	t.Setenv("ROUNDTRIP_CAPACITY_WAIT_TIMEOUT", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Client.URL() != "ws://env-host:7001/ws" {
		t.Fatalf("unexpected url %s", cfg.Client.URL())
	}
	if cfg.Client.CapacityWaitTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected timeout %v", cfg.Client.CapacityWaitTimeout)
	}
}

func TestEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("ROUNDTRIP_PORT", "ninety")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for bad port")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "ROUNDTRIP_SOURCE=from-dotenv\n")
	t.Setenv("ROUNDTRIP_SOURCE", "")
	os.Unsetenv("ROUNDTRIP_SOURCE")

	if err := LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load env: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Client.Source != "from-dotenv" {
		t.Fatalf("unexpected source %q", cfg.Client.Source)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Client.Endpoint = "http://wrong"
	cfg.Client.TagModes = map[string]string{"cam": "sometimes"}
	cfg.Client.JPEGQuality = 0
	cfg.Server.Sources = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"client.endpoint", "tag_modes[cam]", "jpeg_quality", "server.sources"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roundtrip/internal/capture"
	"roundtrip/internal/config"
	"roundtrip/internal/domain"
	"roundtrip/internal/engine"
	"roundtrip/internal/pipeline"
	"roundtrip/internal/server"
	"roundtrip/internal/slot"
	"roundtrip/internal/store"
)

func startEngineServer(t *testing.T) string {
	t.Helper()
	srv, err := server.New(server.Config{Sources: []string{"roundtrip"}, GinMode: "test"}, server.Dependencies{Engine: engine.RoundTrip{}})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestRenderStatusCounts(t *testing.T) {
	out := renderStatusCounts([]store.StatusCount{{Status: "success", Count: 12}, {Status: "engine_error", Count: 1}})
	for _, want := range []string{"Status", "success", "12", "engine_error"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderClientStats(t *testing.T) {
	var stats pipeline.Stats
	stats.Channel.Endpoint = "ws://example/ws"
	stats.Channel.State = domain.StateOpen
	stats.Slot.Tags = map[string]slot.TagStats{"cam": {Replaced: 7}}

	out := renderClientStats(stats, capture.ProducerStats{Captured: 9}, nil)
	for _, want := range []string{"ws://example/ws", "replaced [cam]", "7", "9"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stats table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "mqtt") {
		t.Fatalf("mqtt rows shown without a publisher")
	}
}

func TestRunClientRecordsResults(t *testing.T) {
	endpoint := startEngineServer(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Client.Endpoint = endpoint
	cfg.Client.Width = 32
	cfg.Client.Height = 24
	cfg.Client.FPS = 50
	cfg.Client.DBPath = filepath.Join(dir, "results.db")
	cfg.Client.ResultsDir = filepath.Join(dir, "results")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runClient(ctx, cfg, "roundtrip", logger, &out); err != nil {
		t.Fatalf("runClient: %v", err)
	}
	if !strings.Contains(out.String(), "delivered") {
		t.Fatalf("expected stats table, got:\n%s", out.String())
	}

	st, err := store.Open(cfg.Client.DBPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	records, err := st.RecentResults(context.Background(), "roundtrip", 0)
	if err != nil {
		t.Fatalf("RecentResults: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("expected recorded results")
	}
	if records[0].Status != string(domain.ResultStatusSuccess) {
		t.Fatalf("unexpected status %s", records[0].Status)
	}
	if _, err := os.Stat(filepath.Join(cfg.Client.ResultsDir, "roundtrip", "latest.jpg")); err != nil {
		t.Fatalf("expected latest frame on disk: %v", err)
	}
}

func TestRunClientFailsWhenServerIsGone(t *testing.T) {
	cfg := config.Default()
	cfg.Client.Endpoint = "ws://127.0.0.1:1/ws"
	cfg.Client.DBPath = ""
	cfg.Client.HandshakeTimeout = 500 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := runClient(ctx, cfg, "roundtrip", logger, io.Discard)
	if err == nil {
		t.Fatalf("expected error for unreachable server")
	}
	if got := domain.ReasonOf(err, ""); got != domain.ReasonConnectionRefused && got != domain.ReasonHandshakeTimeout {
		t.Fatalf("unexpected reason %q for %v", got, err)
	}
}

func TestResultsCommandReadsStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "results.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	now := time.Now()
	env := domain.ResultEnvelope{
		RequestID:  4,
		Tag:        "cam",
		Status:     domain.ResultStatusSuccess,
		Results:    []domain.Result{{Type: domain.PayloadTypeText, Data: []byte("640x480 jpeg")}},
		SentAt:     now.Add(-20 * time.Millisecond),
		ReceivedAt: now,
	}
	if err := st.SaveResult(context.Background(), env); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	st.Close()

	configPath := filepath.Join(dir, "roundtrip.yaml")
	data := "client:\n  db_path: " + dbPath + "\nlog:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", configPath, "--env-file", filepath.Join(dir, "missing.env"), "results", "--tag", "cam"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("results: %v", err)
	}
	if !strings.Contains(out.String(), "640x480 jpeg") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", configPath, "results", "--summary"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("results --summary: %v", err)
	}
	if !strings.Contains(out.String(), "success") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("client:\n  fps: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--config", configPath, "results"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "client.fps") {
		t.Fatalf("expected fps validation error, got %v", err)
	}
}

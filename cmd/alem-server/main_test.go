package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alemhq/alem/internal/config"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestBuildServesHealthWithDefaults(t *testing.T) {
	a, err := build(config.Default(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			t.Fatalf("close failed: %v", err)
		}
	}()

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}
}

func TestBuildRejectsUnknownStorageScheme(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.IndexDSN = "cassandra://db/alem"
	if _, err := build(cfg, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected unknown index scheme to fail")
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--addr", "127.0.0.1:0"}, envMap(nil))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after cancel")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), nil, envMap(map[string]string{"ALEM_MAX_RETRIES": "0"}))
	if err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}

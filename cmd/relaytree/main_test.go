package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/relaytree/internal/config"
	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/sirupsen/logrus"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommandPrintsJWT(t *testing.T) {
	out, err := run(t, "token", "--jwt-secret", "dev-secret", "--workspace", "ws_1", "--agent", "tester")
	if err != nil {
		t.Fatalf("token command failed: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out), "."); len(parts) != 3 {
		t.Fatalf("expected a three part token, got %q", out)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	if _, err := run(t, "token", "--workspace", "ws_1"); err == nil {
		t.Fatalf("expected error without a secret")
	}
}

func TestBuildServerServesHealth(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	handler, store, err := buildServer(cfg, logrus.New())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	defer store.Close()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBuildServerRejectsUnknownBus(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.EventBusDSN = "kafka://broker"
	if _, _, err := buildServer(cfg, logrus.New()); err == nil {
		t.Fatalf("expected error for unsupported bus")
	}
}

func TestCollectionAndRequestCommands(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	handler, store, err := buildServer(cfg, logrus.New())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	defer store.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	out, err := run(t, "collection", "create", "Auth", "--base-url", ts.URL, "-w", "ws_1")
	if err != nil {
		t.Fatalf("collection create failed: %v (%s)", err, out)
	}
	var col remote.CollectionRecord
	if err := json.Unmarshal([]byte(out), &col); err != nil {
		t.Fatalf("decode collection output %q: %v", out, err)
	}
	if col.Title != "Auth" {
		t.Fatalf("expected Auth, got %+v", col)
	}

	out, err = run(t, "request", "create", col.ID, "Login", `{"method":"post","endpoint":"https://example.test/login"}`, "--base-url", ts.URL, "-w", "ws_1")
	if err != nil {
		t.Fatalf("request create failed: %v (%s)", err, out)
	}
	var req remote.RequestRecord
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode request output %q: %v", out, err)
	}

	if _, err := run(t, "request", "update", req.ID, "--base-url", ts.URL, "-w", "ws_1"); err == nil {
		t.Fatalf("expected update without fields to fail")
	}
	if _, err := run(t, "request", "update", req.ID, "--title", "Sign in", "--base-url", ts.URL, "-w", "ws_1"); err != nil {
		t.Fatalf("request update failed: %v", err)
	}
	if _, err := run(t, "collection", "delete", col.ID, "--base-url", ts.URL, "-w", "ws_1"); err != nil {
		t.Fatalf("collection delete failed: %v", err)
	}
	if _, ok := store.CollectionWorkspace(col.ID); ok {
		t.Fatalf("expected collection %s deleted", col.ID)
	}

	if _, err := run(t, "collection", "create", "NoWorkspace", "--base-url", ts.URL); err == nil {
		t.Fatalf("expected error without a workspace")
	}
}

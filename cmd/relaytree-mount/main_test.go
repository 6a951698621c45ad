package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaytree/internal/backend"
	"github.com/agentworkforce/relaytree/internal/config"
	"github.com/agentworkforce/relaytree/internal/httpapi"
	"github.com/agentworkforce/relaytree/internal/render"
	"github.com/agentworkforce/relaytree/internal/tree"
	"github.com/sirupsen/logrus"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// lastFrame returns what was drawn after the last screen clear.
func (b *syncBuffer) lastFrame() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if i := strings.LastIndex(s, "\033[2J"); i >= 0 {
		return s[i+len("\033[2J"):]
	}
	return s
}

func TestCollapsedWithin(t *testing.T) {
	root := tree.NewCollection("c1", "Root")
	root.SetLoaded([]*tree.CollectionNode{tree.NewCollection("c2", "Child")}, nil)
	forest := tree.Forest{root, tree.NewCollection("c3", "Other")}

	if got := collapsedWithin(forest, 0); len(got) != 0 {
		t.Fatalf("expected nothing at depth 0, got %v", got)
	}
	if got := collapsedWithin(forest, 1); len(got) != 1 || got[0] != "c3" {
		t.Fatalf("expected [c3] at depth 1, got %v", got)
	}
	if got := collapsedWithin(forest, 2); len(got) != 2 || got[0] != "c2" || got[1] != "c3" {
		t.Fatalf("expected [c2 c3] at depth 2, got %v", got)
	}
}

func TestSelectCommandWritesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "selected")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"select", "ws_9", "--selection-file", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read selection: %v", err)
	}
	if strings.TrimSpace(string(data)) != "ws_9" {
		t.Fatalf("expected ws_9, got %q", data)
	}
}

func TestWatchTreeRendersAndExpands(t *testing.T) {
	store := backend.NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	root, err := store.CreateCollection(ctx, "ws_1", "Root", "")
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if _, err := store.CreateCollection(ctx, "ws_1", "Child", root.ID); err != nil {
		t.Fatalf("create child: %v", err)
	}
	ts := httptest.NewServer(httpapi.NewServer(store))
	defer ts.Close()

	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BaseURL = ts.URL
	cfg.Workspace = "ws_1"
	cfg.ReconnectDelay = 10 * time.Millisecond
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	a := &app{cfg: cfg, logger: logger}

	r, err := a.newReplica()
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	defer r.DisposeSubscriptions()
	if err := a.follow(ctx, r); err != nil {
		t.Fatalf("follow: %v", err)
	}

	out := &syncBuffer{}
	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- watchTree(watchCtx, r, out, render.PlainStyles(), 1, logger) }()

	waitFrame(t, out, "- Root\n  + Child\n")

	if _, err := store.CreateCollection(ctx, "ws_1", "Pushed", ""); err != nil {
		t.Fatalf("create pushed root: %v", err)
	}
	waitFrame(t, out, "- Pushed\n")

	stopWatch()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func waitFrame(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.lastFrame(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected frame containing %q, last frame:\n%s", want, out.lastFrame())
}

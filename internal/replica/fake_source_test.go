package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

type fakeSource struct {
	mu       sync.Mutex
	pageSize int
	roots    map[string][]remote.CollectionRecord
	children map[string][]remote.CollectionRecord
	requests map[string][]*tree.RequestLeaf
	fail     map[string]error
	gates    map[string]chan struct{}
	entered  chan string
	calls    map[string]int
	streams  map[string]*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pageSize: 10,
		roots:    map[string][]remote.CollectionRecord{},
		children: map[string][]remote.CollectionRecord{},
		requests: map[string][]*tree.RequestLeaf{},
		fail:     map[string]error{},
		gates:    map[string]chan struct{}{},
		entered:  make(chan string, 16),
		calls:    map[string]int{},
		streams:  map[string]*fakeStream{},
	}
}

// gate blocks the named fetch until the returned func is called.
func (f *fakeSource) gate(name string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[name] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeSource) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) enter(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls[name]++
	gate := f.gates[name]
	err := f.fail[name]
	f.mu.Unlock()
	if gate != nil {
		select {
		case f.entered <- name:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSource) RootCollections(ctx context.Context, workspaceID, cursor string) ([]remote.CollectionRecord, error) {
	if err := f.enter(ctx, "roots:"+workspaceID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.roots[workspaceID], cursor, f.pageSize, recordCursor), nil
}

func (f *fakeSource) ChildCollections(ctx context.Context, collectionID, cursor string) ([]remote.CollectionRecord, error) {
	if err := f.enter(ctx, "children:"+collectionID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.children[collectionID], cursor, f.pageSize, recordCursor), nil
}

func (f *fakeSource) Requests(ctx context.Context, collectionID, cursor string) ([]*tree.RequestLeaf, error) {
	if err := f.enter(ctx, "requests:"+collectionID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := page(f.requests[collectionID], cursor, f.pageSize, leafCursor)
	out := make([]*tree.RequestLeaf, 0, len(items))
	for _, leaf := range items {
		cp := *leaf
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (EventStream, error) {
	stream := &fakeStream{items: make(chan streamItem, 16), closed: make(chan struct{})}
	f.mu.Lock()
	f.streams[workspaceID+"/"+string(topic)] = stream
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeSource) stream(workspaceID string, topic remote.Topic) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[workspaceID+"/"+string(topic)]
}

func (f *fakeSource) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func page[T any](items []T, cursor string, size int, cursorOf func(T) string) []T {
	start := 0
	if cursor != "" {
		for i, item := range items {
			if cursorOf(item) == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return append([]T(nil), items[start:end]...)
}

type streamItem struct {
	ev  Event
	err error
}

type fakeStream struct {
	items     chan streamItem
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeStream) push(ev Event) {
	s.items <- streamItem{ev: ev}
}

func (s *fakeStream) fail(err error) {
	s.items <- streamItem{err: err}
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	select {
	case item := <-s.items:
		return item.ev, item.err
	case <-s.closed:
		return Event{}, errors.New("stream closed")
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func records(prefix string, n int) []remote.CollectionRecord {
	out := make([]remote.CollectionRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, remote.CollectionRecord{ID: fmt.Sprintf("%s%d", prefix, i), Title: fmt.Sprintf("Collection %d", i)})
	}
	return out
}

func leaf(id, collectionID string) *tree.RequestLeaf {
	return &tree.RequestLeaf{
		ID:           id,
		Title:        "Request " + id,
		CollectionID: collectionID,
		Request:      tree.RequestDocument{V: "1", Method: "GET", Endpoint: "https://api.test/" + id},
	}
}

func newTestReplica(t *testing.T, source Source) *Replica {
	t.Helper()
	r, err := New(source, Options{ReconnectDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new replica failed: %v", err)
	}
	t.Cleanup(r.DisposeSubscriptions)
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEntered(t *testing.T, f *fakeSource, name string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-f.entered:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for fetch %s", name)
		}
	}
}

// checkRegistryMatchesForest fails unless the registered keys are exactly
// the keys reachable in the published forest.
func checkRegistryMatchesForest(t *testing.T, r *Replica) {
	t.Helper()
	reachable := tree.ReachableKeys(r.Forest())
	tree.SortKeys(reachable)
	got, want := keyStrings(r.Keys()), keyStrings(reachable)
	if len(got) != len(want) {
		t.Fatalf("registry %v does not match forest %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("registry %v does not match forest %v", got, want)
		}
	}
}

func keyStrings(keys []tree.EntityKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.String())
	}
	return out
}

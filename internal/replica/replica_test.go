package replica

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

func TestLoadRootsRequiresWorkspace(t *testing.T) {
	r := newTestReplica(t, newFakeSource())
	if err := r.LoadRoots(context.Background()); !errors.Is(err, ErrNoWorkspace) {
		t.Fatalf("expected ErrNoWorkspace, got %v", err)
	}
}

func TestLoadRootsDrainsEveryPage(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = records("c", 27)
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")

	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	forest := r.Forest()
	if len(forest) != 27 {
		t.Fatalf("expected 27 roots, got %d", len(forest))
	}
	for _, node := range forest {
		if node.Expanded() {
			t.Fatalf("expected root %s to be unexpanded", node.ID)
		}
	}
	if calls := source.callCount("roots:ws_1"); calls != 3 {
		t.Fatalf("expected 3 page calls, got %d", calls)
	}
	if len(r.Keys()) != 27 {
		t.Fatalf("expected 27 registered keys, got %d", len(r.Keys()))
	}
	if loading := r.Loading(); len(loading) != 0 {
		t.Fatalf("expected empty loading set, got %v", loading)
	}
}

func TestLoadRootsExactMultipleEndsOnEmptyPage(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = records("c", 20)
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")

	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	if len(r.Forest()) != 20 {
		t.Fatalf("expected 20 roots, got %d", len(r.Forest()))
	}
	if calls := source.callCount("roots:ws_1"); calls != 3 {
		t.Fatalf("expected 3 page calls, got %d", calls)
	}
}

func TestLoadRootsFailureKeepsForest(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = records("c", 2)
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	source.fail["roots:ws_1"] = errors.New("backend down")
	if err := r.LoadRoots(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	if len(r.Forest()) != 2 {
		t.Fatalf("expected previous forest to survive a failed load, got %d roots", len(r.Forest()))
	}
	if loading := r.Loading(); len(loading) != 0 {
		t.Fatalf("expected loading marker to clear after failure, got %v", loading)
	}
}

func TestExpandCollectionAttachesChildrenAndRequests(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.requests["c1"] = []*tree.RequestLeaf{leaf("r1", "c1")}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	if err := r.ExpandCollection(context.Background(), "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	node := tree.FindNode(r.Forest(), "c1")
	if node == nil || !node.Expanded() {
		t.Fatalf("expected c1 expanded, got %+v", node)
	}
	if len(node.Children) != 0 || node.Children == nil {
		t.Fatalf("expected fetched-empty children, got %#v", node.Children)
	}
	if len(node.Requests) != 1 || node.Requests[0].ID != "r1" {
		t.Fatalf("expected request r1, got %+v", node.Requests)
	}
	want := []string{"collection-c1", "request-r1"}
	if got := keyStrings(r.Keys()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}
}

func TestExpandCollectionIgnoresUnknownAndExpanded(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	if err := r.ExpandCollection(context.Background(), "missing"); err != nil {
		t.Fatalf("expected unknown id to be a no-op, got %v", err)
	}
	if source.callCount("children:missing") != 0 {
		t.Fatalf("expected no fetch for an unknown id")
	}
	if err := r.ExpandCollection(context.Background(), "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	if err := r.ExpandCollection(context.Background(), "c1"); err != nil {
		t.Fatalf("second expand failed: %v", err)
	}
	if calls := source.callCount("children:c1"); calls != 1 {
		t.Fatalf("expected a single children fetch, got %d", calls)
	}
}

func TestExpandCollectionFailureLeavesNodeUnexpanded(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.children["c1"] = records("k", 3)
	source.fail["requests:c1"] = errors.New("timeout")
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	if err := r.ExpandCollection(context.Background(), "c1"); err == nil {
		t.Fatalf("expected expand error")
	}
	if node := tree.FindNode(r.Forest(), "c1"); node.Expanded() {
		t.Fatalf("expected c1 to stay unexpanded after a failed fetch")
	}
	if len(r.Keys()) != 1 {
		t.Fatalf("expected only c1 registered, got %v", keyStrings(r.Keys()))
	}
	if loading := r.Loading(); len(loading) != 0 {
		t.Fatalf("expected loading marker cleared, got %v", loading)
	}
}

func TestConcurrentExpansionsShareOneFetch(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.children["c1"] = records("k", 2)
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	release := source.gate("children:c1")
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- r.ExpandCollection(context.Background(), "c1")
	}()
	waitEntered(t, source, "children:c1")
	if got := r.Loading(); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Fatalf("expected c1 loading, got %v", got)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- r.ExpandCollection(context.Background(), "c1")
	}()
	release()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expand failed: %v", err)
		}
	}
	if calls := source.callCount("children:c1"); calls != 1 {
		t.Fatalf("expected one children fetch, got %d", calls)
	}
	if node := tree.FindNode(r.Forest(), "c1"); len(node.Children) != 2 {
		t.Fatalf("expected 2 children without duplicates, got %d", len(node.Children))
	}
}

func TestEventsDuringExpansionAreReplayed(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.requests["c1"] = []*tree.RequestLeaf{leaf("r1", "c1"), leaf("r2", "c1")}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	checkRegistryMatchesForest(t, r)

	release := source.gate("requests:c1")
	done := make(chan error, 1)
	go func() { done <- r.ExpandCollection(context.Background(), "c1") }()
	waitEntered(t, source, "requests:c1")

	// c1 is still unexpanded, so both adds are dropped when they arrive.
	r.AddCollection(tree.NewCollection("c9", "Late"), "c1")
	checkRegistryMatchesForest(t, r)
	r.AddRequest(leaf("r3", "c1"))
	checkRegistryMatchesForest(t, r)
	r.RemoveRequest("r1")
	checkRegistryMatchesForest(t, r)
	title := "Renamed"
	r.UpdateRequest(tree.RequestPatch{ID: "r2", Title: &title})
	checkRegistryMatchesForest(t, r)
	if tree.FindNode(r.Forest(), "c9") != nil {
		t.Fatalf("expected c9 to be dropped while c1 is unexpanded")
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	checkRegistryMatchesForest(t, r)
	node := tree.FindNode(r.Forest(), "c1")
	if len(node.Children) != 1 || node.Children[0].ID != "c9" {
		t.Fatalf("expected replayed c9 child, got %+v", node.Children)
	}
	ids := []string{}
	for _, leaf := range node.Requests {
		ids = append(ids, leaf.ID)
	}
	if !reflect.DeepEqual(ids, []string{"r2", "r3"}) {
		t.Fatalf("expected requests [r2 r3] after replay, got %v", ids)
	}
	if got := tree.FindLeaf(r.Forest(), "r2").Title; got != "Renamed" {
		t.Fatalf("expected replayed rename, got %q", got)
	}
	want := []string{"collection-c1", "collection-c9", "request-r2", "request-r3"}
	if got := keyStrings(r.Keys()); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected keys %v, got %v", want, got)
	}
}

func TestAddCollectionDropsAndDedups(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}, {ID: "c2", Title: "Other"}}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	r.AddCollection(tree.NewCollection("c3", "Child"), "c1")
	if tree.FindNode(r.Forest(), "c3") != nil {
		t.Fatalf("expected add under unexpanded parent to be dropped")
	}
	r.AddCollection(tree.NewCollection("c3", "Child"), "nope")
	if tree.FindNode(r.Forest(), "c3") != nil {
		t.Fatalf("expected add under unknown parent to be dropped")
	}

	if err := r.ExpandCollection(context.Background(), "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	r.AddCollection(tree.NewCollection("c3", "Child"), "c1")
	r.AddCollection(tree.NewCollection("c3", "Child again"), "c1")
	node := tree.FindNode(r.Forest(), "c1")
	if len(node.Children) != 1 || node.Children[0].Title != "Child" {
		t.Fatalf("expected a single c3 child, got %+v", node.Children)
	}

	r.AddCollection(tree.NewCollection("c4", "New root"), "")
	r.AddCollection(tree.NewCollection("c2", "Duplicate root"), "")
	forest := r.Forest()
	if len(forest) != 3 || forest[2].ID != "c4" {
		t.Fatalf("expected c4 appended as the third root, got %d roots", len(forest))
	}
	if forest[1].Title != "Other" {
		t.Fatalf("expected duplicate root add to be ignored, got %q", forest[1].Title)
	}
}

func TestAddRequestDropsAndDedups(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.requests["c1"] = []*tree.RequestLeaf{leaf("r1", "c1")}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}

	r.AddRequest(leaf("r2", "c1"))
	if tree.FindLeaf(r.Forest(), "r2") != nil {
		t.Fatalf("expected request for unexpanded collection to be dropped")
	}
	if err := r.ExpandCollection(context.Background(), "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}
	r.AddRequest(leaf("r1", "c1"))
	r.AddRequest(leaf("r2", "c1"))
	r.AddRequest(leaf("r5", "missing"))
	node := tree.FindNode(r.Forest(), "c1")
	if len(node.Requests) != 2 {
		t.Fatalf("expected r1 and r2 once each, got %d requests", len(node.Requests))
	}
	if r.Keys()[len(r.Keys())-1] != tree.RequestKey("r2") {
		t.Fatalf("expected r2 registered, got %v", keyStrings(r.Keys()))
	}
}

func TestRemoveCollectionPurgesSubtree(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.children["c1"] = []remote.CollectionRecord{{ID: "c2", Title: "Child"}}
	source.requests["c2"] = []*tree.RequestLeaf{leaf("r1", "c2")}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	ctx := context.Background()
	if err := r.LoadRoots(ctx); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	if err := r.ExpandCollection(ctx, "c1"); err != nil {
		t.Fatalf("expand c1 failed: %v", err)
	}
	if err := r.ExpandCollection(ctx, "c2"); err != nil {
		t.Fatalf("expand c2 failed: %v", err)
	}
	checkRegistryMatchesForest(t, r)
	if len(r.Keys()) != 3 {
		t.Fatalf("expected 3 keys, got %v", keyStrings(r.Keys()))
	}

	r.RemoveCollection("c2")
	checkRegistryMatchesForest(t, r)
	if tree.FindNode(r.Forest(), "c2") != nil {
		t.Fatalf("expected c2 removed")
	}
	if got := keyStrings(r.Keys()); !reflect.DeepEqual(got, []string{"collection-c1"}) {
		t.Fatalf("expected only c1 left registered, got %v", got)
	}

	// A re-pushed child must be accepted again after the purge.
	r.AddCollection(tree.NewCollection("c2", "Back"), "c1")
	checkRegistryMatchesForest(t, r)
	if tree.FindNode(r.Forest(), "c2") == nil {
		t.Fatalf("expected c2 to be re-added after removal")
	}

	r.RemoveCollection("c1")
	checkRegistryMatchesForest(t, r)
	if len(r.Forest()) != 0 || len(r.Keys()) != 0 {
		t.Fatalf("expected empty replica, got %d roots and %v", len(r.Forest()), keyStrings(r.Keys()))
	}
	r.RemoveCollection("c1")
	r.RemoveRequest("r404")
}

func TestUpdatesMergeIntoExistingEntities(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	source.requests["c1"] = []*tree.RequestLeaf{leaf("r1", "c1")}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	ctx := context.Background()
	if err := r.LoadRoots(ctx); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	if err := r.ExpandCollection(ctx, "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}

	title := "Renamed root"
	r.UpdateCollection(tree.CollectionPatch{ID: "c1", Title: &title})
	doc := tree.RequestDocument{V: "1", Method: "POST", Endpoint: "https://api.test/new"}
	r.UpdateRequest(tree.RequestPatch{ID: "r1", Request: &doc})
	r.UpdateCollection(tree.CollectionPatch{ID: "missing", Title: &title})

	forest := r.Forest()
	if forest[0].Title != "Renamed root" {
		t.Fatalf("expected renamed root, got %q", forest[0].Title)
	}
	got := tree.FindLeaf(forest, "r1")
	if got.Title != "Request r1" || got.Request.Method != "POST" {
		t.Fatalf("expected request body replaced and title kept, got %+v", got)
	}
}

func TestPublishedSnapshotsAreIsolated(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	if err := r.LoadRoots(context.Background()); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	before := r.Forest()
	title := "Changed"
	r.UpdateCollection(tree.CollectionPatch{ID: "c1", Title: &title})
	if before[0].Title != "Root" {
		t.Fatalf("expected earlier snapshot to stay unchanged, got %q", before[0].Title)
	}
}

func TestApplyRoutesEventsByTopic(t *testing.T) {
	source := newFakeSource()
	source.roots["ws_1"] = []remote.CollectionRecord{{ID: "c1", Title: "Root"}}
	r := newTestReplica(t, source)
	r.SetWorkspace("ws_1")
	ctx := context.Background()
	if err := r.LoadRoots(ctx); err != nil {
		t.Fatalf("load roots failed: %v", err)
	}
	if err := r.ExpandCollection(ctx, "c1"); err != nil {
		t.Fatalf("expand failed: %v", err)
	}

	r.Apply(Event{Topic: remote.TopicCollectionAdded, Collection: tree.NewCollection("c2", "Child"), ParentID: "c1"})
	r.Apply(Event{Topic: remote.TopicRequestAdded, Request: leaf("r1", "c1")})
	r.Apply(Event{Topic: remote.TopicRequestDeleted, ID: "r1"})
	r.Apply(Event{Topic: remote.TopicCollectionAdded})

	if got := keyStrings(r.Keys()); !reflect.DeepEqual(got, []string{"collection-c1", "collection-c2"}) {
		t.Fatalf("unexpected keys after events: %v", got)
	}
}

// Package replica keeps a lazily loaded local copy of a workspace's
// collection tree in step with the backend.
//
// All reconciliation runs under one mutex. Remote fetches run outside it;
// their results are committed under it, followed by a replay of every push
// event that arrived while the fetch was in flight.
package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytree/internal/paging"
	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/tree"
)

var (
	ErrNoWorkspace = errors.New("no workspace selected")
	// ErrWorkspaceChanged is returned by a load whose workspace was replaced
	// before its results could be committed. The results are discarded.
	ErrWorkspaceChanged = errors.New("workspace changed during load")
	// ErrSubscriptionsDisposed is returned by ChangeWorkspace when the
	// subscriptions were disposed before the attach completed.
	ErrSubscriptionsDisposed = errors.New("subscriptions disposed during attach")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	PageSize int
	Logger   Logger
	// OnEventError receives push events that failed to decode. Defaults to
	// logging them.
	OnEventError func(topic remote.Topic, err error)
	// ReconnectDelay is the base wait before reopening a dead subscription.
	ReconnectDelay  time.Duration
	ReconnectJitter float64
}

type Replica struct {
	source       Source
	pageSize     int
	logger       Logger
	onEventError func(topic remote.Topic, err error)

	mu        sync.Mutex
	workspace string
	epoch     uint64
	attachGen uint64
	state     State
	forest    tree.Forest
	registry  *tree.Registry
	loading   *LoadingTracker
	inflight  map[string]*load

	forestView  *Observable[tree.Forest]
	loadingView *Observable[[]string]

	subs subscriptions
}

// load is one bulk fetch in flight. Events applied while it runs are kept
// in journal and replayed after its results are committed.
type load struct {
	done    chan struct{}
	err     error
	journal []func() bool
}

func New(source Source, opts Options) (*Replica, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = paging.DefaultPageSize
	}
	r := &Replica{
		source:      source,
		pageSize:    pageSize,
		logger:      opts.Logger,
		forest:      tree.Forest{},
		registry:    tree.NewRegistry(),
		loading:     NewLoadingTracker(),
		inflight:    map[string]*load{},
		forestView:  NewObservable(tree.Forest{}),
		loadingView: NewObservable([]string{}),
	}
	r.onEventError = opts.OnEventError
	if r.onEventError == nil {
		r.onEventError = func(topic remote.Topic, err error) {
			r.logf("dropping %s event: %v", topic, err)
		}
	}
	r.subs.init(opts.ReconnectDelay, opts.ReconnectJitter)
	return r, nil
}

// Forest returns the last published snapshot. Callers must not modify it.
func (r *Replica) Forest() tree.Forest {
	return r.forestView.Get()
}

// WatchForest streams forest snapshots, starting with the current one.
func (r *Replica) WatchForest() (<-chan tree.Forest, func()) {
	return r.forestView.Watch()
}

// Loading returns the sorted ids with a load in flight. RootLoadingID
// stands for the root listing.
func (r *Replica) Loading() []string {
	return r.loadingView.Get()
}

func (r *Replica) WatchLoading() (<-chan []string, func()) {
	return r.loadingView.Watch()
}

func (r *Replica) Workspace() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspace
}

// Keys returns the registered entity keys in sorted order.
func (r *Replica) Keys() []tree.EntityKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Keys()
}

// SetWorkspace resets the replica to an empty forest for workspaceID
// without loading or subscribing. ChangeWorkspace does both.
func (r *Replica) SetWorkspace(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(strings.TrimSpace(workspaceID))
}

func (r *Replica) resetLocked(workspaceID string) {
	r.epoch++
	r.workspace = workspaceID
	r.state = StateDetached
	r.forest = tree.Forest{}
	r.registry.Reset()
	r.loading.Reset()
	r.inflight = map[string]*load{}
	r.publishForestLocked()
	r.publishLoadingLocked()
}

// LoadRoots fetches every root collection of the workspace and replaces the
// forest with them, all unexpanded. A call made while a root load is in
// flight waits for that load instead of starting another.
func (r *Replica) LoadRoots(ctx context.Context) error {
	r.mu.Lock()
	workspace := r.workspace
	if workspace == "" {
		r.mu.Unlock()
		return ErrNoWorkspace
	}
	if pending, ok := r.inflight[RootLoadingID]; ok {
		r.mu.Unlock()
		return pending.wait(ctx)
	}
	epoch := r.epoch
	current := r.beginLoadLocked(RootLoadingID)
	r.mu.Unlock()

	records, err := paging.Drain(ctx, r.pageSize, recordCursor, func(ctx context.Context, cursor string) ([]remote.CollectionRecord, error) {
		return r.source.RootCollections(ctx, workspace, cursor)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		current.finish(ErrWorkspaceChanged)
		return ErrWorkspaceChanged
	}
	if err != nil {
		err = fmt.Errorf("load root collections: %w", err)
		r.endLoadLocked(RootLoadingID, current, err)
		return err
	}

	r.registry.Reset()
	forest := make(tree.Forest, 0, len(records))
	for _, rec := range records {
		key := tree.CollectionKey(rec.ID)
		if r.registry.Has(key) {
			continue
		}
		r.registry.Add(key)
		forest = append(forest, tree.NewCollection(rec.ID, rec.Title))
	}
	r.forest = forest
	replayJournal(current)
	r.endLoadLocked(RootLoadingID, current, nil)
	r.publishForestLocked()
	return nil
}

// ExpandCollection fetches the child collections and then the requests of
// an unexpanded collection and attaches both. Unknown or already expanded
// ids are a no-op. On a fetch error the node stays unexpanded.
func (r *Replica) ExpandCollection(ctx context.Context, id string) error {
	r.mu.Lock()
	node := tree.FindNode(r.forest, id)
	if node == nil || node.Expanded() {
		r.mu.Unlock()
		return nil
	}
	if pending, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		return pending.wait(ctx)
	}
	epoch := r.epoch
	current := r.beginLoadLocked(id)
	r.mu.Unlock()

	children, err := paging.Drain(ctx, r.pageSize, recordCursor, func(ctx context.Context, cursor string) ([]remote.CollectionRecord, error) {
		return r.source.ChildCollections(ctx, id, cursor)
	})
	var leaves []*tree.RequestLeaf
	if err == nil {
		leaves, err = paging.Drain(ctx, r.pageSize, leafCursor, func(ctx context.Context, cursor string) ([]*tree.RequestLeaf, error) {
			return r.source.Requests(ctx, id, cursor)
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		current.finish(ErrWorkspaceChanged)
		return ErrWorkspaceChanged
	}
	if err != nil {
		err = fmt.Errorf("expand collection %s: %w", id, err)
		r.endLoadLocked(id, current, err)
		return err
	}

	node = tree.FindNode(r.forest, id)
	if node == nil || node.Expanded() {
		// Removed or reloaded while the fetch ran.
		replayJournal(current)
		r.endLoadLocked(id, current, nil)
		r.publishForestLocked()
		return nil
	}
	childNodes := make([]*tree.CollectionNode, 0, len(children))
	for _, rec := range children {
		key := tree.CollectionKey(rec.ID)
		if r.registry.Has(key) {
			continue
		}
		r.registry.Add(key)
		childNodes = append(childNodes, tree.NewCollection(rec.ID, rec.Title))
	}
	requestLeaves := make([]*tree.RequestLeaf, 0, len(leaves))
	for _, leaf := range leaves {
		key := tree.RequestKey(leaf.ID)
		if r.registry.Has(key) {
			continue
		}
		r.registry.Add(key)
		leaf.CollectionID = id
		requestLeaves = append(requestLeaves, leaf)
	}
	node.SetLoaded(childNodes, requestLeaves)
	replayJournal(current)
	r.endLoadLocked(id, current, nil)
	r.publishForestLocked()
	return nil
}

// AddCollection attaches a pushed collection. An empty parentID adds a
// root. The event is dropped when the id is already known or the parent is
// missing or unexpanded.
func (r *Replica) AddCollection(node *tree.CollectionNode, parentID string) {
	if node == nil {
		return
	}
	r.apply(func() bool { return r.addCollectionLocked(node, parentID) })
}

func (r *Replica) UpdateCollection(patch tree.CollectionPatch) {
	r.apply(func() bool { return r.updateCollectionLocked(patch) })
}

// RemoveCollection detaches a collection and unregisters it together with
// everything below it. Unknown ids are ignored.
func (r *Replica) RemoveCollection(id string) {
	r.apply(func() bool { return r.removeCollectionLocked(id) })
}

// AddRequest attaches a pushed request to its collection. The event is
// dropped when the id is already known or the collection is missing or
// unexpanded.
func (r *Replica) AddRequest(leaf *tree.RequestLeaf) {
	if leaf == nil {
		return
	}
	r.apply(func() bool { return r.addRequestLocked(leaf) })
}

func (r *Replica) UpdateRequest(patch tree.RequestPatch) {
	r.apply(func() bool { return r.updateRequestLocked(patch) })
}

func (r *Replica) RemoveRequest(id string) {
	r.apply(func() bool { return r.removeRequestLocked(id) })
}

// Apply routes a decoded push event to its reconciliation step.
func (r *Replica) Apply(ev Event) {
	if op := r.eventOp(ev); op != nil {
		r.apply(op)
	}
}

// applyForEpoch drops events from subscriptions of a replaced workspace.
func (r *Replica) applyForEpoch(epoch uint64, ev Event) {
	op := r.eventOp(ev)
	if op == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return
	}
	r.applyLocked(op)
}

func (r *Replica) eventOp(ev Event) func() bool {
	switch ev.Topic {
	case remote.TopicCollectionAdded:
		if ev.Collection == nil {
			return nil
		}
		return func() bool { return r.addCollectionLocked(ev.Collection, ev.ParentID) }
	case remote.TopicCollectionUpdated:
		return func() bool { return r.updateCollectionLocked(ev.CollectionPatch) }
	case remote.TopicCollectionRemoved:
		return func() bool { return r.removeCollectionLocked(ev.ID) }
	case remote.TopicRequestAdded:
		if ev.Request == nil {
			return nil
		}
		return func() bool { return r.addRequestLocked(ev.Request) }
	case remote.TopicRequestUpdated:
		return func() bool { return r.updateRequestLocked(ev.RequestPatch) }
	case remote.TopicRequestDeleted:
		return func() bool { return r.removeRequestLocked(ev.ID) }
	}
	return nil
}

func (r *Replica) apply(op func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(op)
}

func (r *Replica) applyLocked(op func() bool) {
	changed := op()
	for _, pending := range r.inflight {
		pending.journal = append(pending.journal, op)
	}
	if changed {
		r.publishForestLocked()
	}
}

func (r *Replica) addCollectionLocked(node *tree.CollectionNode, parentID string) bool {
	if r.registry.Has(tree.CollectionKey(node.ID)) {
		return false
	}
	if parentID != "" {
		parent := tree.FindNode(r.forest, parentID)
		if parent == nil || !parent.Expanded() {
			return false
		}
	}
	inserted := node.Clone()
	if !tree.InsertNode(&r.forest, inserted, parentID) {
		return false
	}
	for _, key := range tree.SubtreeKeys(inserted) {
		r.registry.Add(key)
	}
	return true
}

func (r *Replica) updateCollectionLocked(patch tree.CollectionPatch) bool {
	if tree.FindNode(r.forest, patch.ID) == nil {
		return false
	}
	tree.UpdateNode(r.forest, patch)
	return true
}

func (r *Replica) removeCollectionLocked(id string) bool {
	node := tree.FindNode(r.forest, id)
	if node == nil {
		r.registry.Remove(tree.CollectionKey(id))
		return false
	}
	keys := tree.SubtreeKeys(node)
	tree.DeleteNode(&r.forest, id)
	for _, key := range keys {
		r.registry.Remove(key)
	}
	return true
}

func (r *Replica) addRequestLocked(leaf *tree.RequestLeaf) bool {
	if r.registry.Has(tree.RequestKey(leaf.ID)) {
		return false
	}
	owner := tree.FindNode(r.forest, leaf.CollectionID)
	if owner == nil || !owner.Expanded() {
		return false
	}
	cp := *leaf
	owner.Requests = append(owner.Requests, &cp)
	r.registry.Add(tree.RequestKey(leaf.ID))
	return true
}

func (r *Replica) updateRequestLocked(patch tree.RequestPatch) bool {
	if tree.FindLeaf(r.forest, patch.ID) == nil {
		return false
	}
	tree.UpdateLeaf(r.forest, patch)
	return true
}

func (r *Replica) removeRequestLocked(id string) bool {
	r.registry.Remove(tree.RequestKey(id))
	if tree.FindLeaf(r.forest, id) == nil {
		return false
	}
	tree.DeleteLeaf(r.forest, id)
	return true
}

func (r *Replica) beginLoadLocked(id string) *load {
	pending := &load{done: make(chan struct{})}
	r.inflight[id] = pending
	r.loading.Add(id)
	r.publishLoadingLocked()
	return pending
}

func (r *Replica) endLoadLocked(id string, pending *load, err error) {
	if r.inflight[id] == pending {
		delete(r.inflight, id)
	}
	r.loading.Remove(id)
	r.publishLoadingLocked()
	pending.finish(err)
}

func (r *Replica) publishForestLocked() {
	r.forestView.Set(r.forest.Clone())
}

func (r *Replica) publishLoadingLocked() {
	r.loadingView.Set(r.loading.IDs())
}

func (r *Replica) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

func (l *load) finish(err error) {
	l.err = err
	l.journal = nil
	close(l.done)
}

func (l *load) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replayJournal reapplies journaled events on top of freshly committed
// results. Every step is idempotent against state it already reflects.
func replayJournal(l *load) {
	for _, op := range l.journal {
		op()
	}
	l.journal = nil
}

func recordCursor(rec remote.CollectionRecord) string {
	return rec.ID
}

func leafCursor(leaf *tree.RequestLeaf) string {
	return leaf.ID
}

// Package backend is the development backend of record: team collections
// and their requests per workspace, served as cursor-paginated listings and
// per-topic change events.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaytree/internal/paging"
	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	StateBackend StateBackend
	EventBus     EventBus
	Logger       Logger
	PageSize     int
	// NewID generates entity ids. Ids must sort in creation order; the
	// default is a monotonic ULID.
	NewID func() string
}

// Store holds every workspace in memory and writes the full snapshot to
// the state backend after each mutation.
type Store struct {
	mu       sync.Mutex
	state    *persistedState
	colOwner map[string]string
	reqOwner map[string]string

	stateBackend StateBackend
	bus          EventBus
	logger       Logger
	pageSize     int
	newID        func() string
}

func NewStore() *Store {
	store, _ := NewStoreWithOptions(StoreOptions{})
	return store
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = paging.DefaultPageSize
	}
	bus := opts.EventBus
	if bus == nil {
		bus = NewMemoryEventBus(opts.Logger)
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	s := &Store{
		state:        &persistedState{Workspaces: map[string]*workspaceState{}},
		colOwner:     map[string]string{},
		reqOwner:     map[string]string{},
		stateBackend: opts.StateBackend,
		bus:          bus,
		logger:       opts.Logger,
		pageSize:     pageSize,
		newID:        newID,
	}
	if s.stateBackend != nil {
		loaded, err := s.stateBackend.Load()
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if loaded != nil {
			s.restore(loaded)
		}
	}
	return s, nil
}

func (s *Store) restore(loaded *persistedState) {
	if loaded.Workspaces == nil {
		loaded.Workspaces = map[string]*workspaceState{}
	}
	s.state = loaded
	for workspaceID, ws := range loaded.Workspaces {
		if ws.Collections == nil {
			ws.Collections = map[string]*collectionRow{}
		}
		if ws.Requests == nil {
			ws.Requests = map[string]*requestRow{}
		}
		for id := range ws.Collections {
			s.colOwner[id] = workspaceID
		}
		for id := range ws.Requests {
			s.reqOwner[id] = workspaceID
		}
	}
}

func (s *Store) Close() error {
	var errs []error
	if err := s.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RootCollections lists the root collections of a workspace after cursor.
// Unknown workspaces list as empty.
func (s *Store) RootCollections(_ context.Context, workspaceID, cursor string) ([]remote.CollectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.state.Workspaces[workspaceID]
	if ws == nil {
		return []remote.CollectionRecord{}, nil
	}
	return s.collectionPage(ws, "", cursor), nil
}

func (s *Store) ChildCollections(_ context.Context, collectionID, cursor string) ([]remote.CollectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.collectionLocked(collectionID)
	if err != nil {
		return nil, err
	}
	return s.collectionPage(ws, collectionID, cursor), nil
}

func (s *Store) Requests(_ context.Context, collectionID, cursor string) ([]remote.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.collectionLocked(collectionID)
	if err != nil {
		return nil, err
	}
	rows := make([]*requestRow, 0)
	for _, row := range ws.Requests {
		if row.CollectionID == collectionID && row.ID > cursor {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if len(rows) > s.pageSize {
		rows = rows[:s.pageSize]
	}
	out := make([]remote.RequestRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *Store) CreateCollection(ctx context.Context, workspaceID, title, parentID string) (remote.CollectionRecord, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	title = strings.TrimSpace(title)
	if workspaceID == "" || title == "" {
		return remote.CollectionRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentID != "" {
		owner, ok := s.colOwner[parentID]
		if !ok {
			return remote.CollectionRecord{}, fmt.Errorf("%w: parent collection %s", ErrNotFound, parentID)
		}
		if owner != workspaceID {
			return remote.CollectionRecord{}, fmt.Errorf("%w: parent %s belongs to another workspace", ErrInvalidInput, parentID)
		}
	}
	ws := s.workspaceLocked(workspaceID)
	row := &collectionRow{ID: s.newID(), Title: title, ParentID: parentID}
	ws.Collections[row.ID] = row
	s.colOwner[row.ID] = workspaceID
	if err := s.commitLocked(ctx, workspaceID, remote.TopicCollectionAdded, row.record()); err != nil {
		return remote.CollectionRecord{}, err
	}
	return row.record(), nil
}

func (s *Store) RenameCollection(ctx context.Context, collectionID, title string) (remote.CollectionRecord, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return remote.CollectionRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, row, err := s.collectionLocked(collectionID)
	if err != nil {
		return remote.CollectionRecord{}, err
	}
	row.Title = title
	update := remote.CollectionUpdate{ID: row.ID, Title: &title}
	if err := s.commitLocked(ctx, s.colOwner[collectionID], remote.TopicCollectionUpdated, update); err != nil {
		return remote.CollectionRecord{}, err
	}
	return row.record(), nil
}

// DeleteCollection removes the collection with its descendants and their
// requests. A single collection.removed event is published for the root of
// the deleted subtree.
func (s *Store) DeleteCollection(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.collectionLocked(collectionID)
	if err != nil {
		return err
	}
	workspaceID := s.colOwner[collectionID]
	doomed := map[string]bool{collectionID: true}
	for changed := true; changed; {
		changed = false
		for id, row := range ws.Collections {
			if !doomed[id] && doomed[row.ParentID] {
				doomed[id] = true
				changed = true
			}
		}
	}
	for id := range doomed {
		delete(ws.Collections, id)
		delete(s.colOwner, id)
	}
	for id, row := range ws.Requests {
		if doomed[row.CollectionID] {
			delete(ws.Requests, id)
			delete(s.reqOwner, id)
		}
	}
	return s.commitLocked(ctx, workspaceID, remote.TopicCollectionRemoved, collectionID)
}

// CreateRequest stores a request under a collection. The stored request
// must be a JSON object the request translator accepts.
func (s *Store) CreateRequest(ctx context.Context, collectionID, title, request string) (remote.RequestRecord, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return remote.RequestRecord{}, ErrInvalidInput
	}
	if err := validateStoredRequest(request); err != nil {
		return remote.RequestRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, _, err := s.collectionLocked(collectionID)
	if err != nil {
		return remote.RequestRecord{}, err
	}
	workspaceID := s.colOwner[collectionID]
	row := &requestRow{ID: s.newID(), Title: title, CollectionID: collectionID, Request: request}
	ws.Requests[row.ID] = row
	s.reqOwner[row.ID] = workspaceID
	if err := s.commitLocked(ctx, workspaceID, remote.TopicRequestAdded, row.record()); err != nil {
		return remote.RequestRecord{}, err
	}
	return row.record(), nil
}

// UpdateRequest changes the title, the stored request, or both. Nil fields
// are left untouched.
func (s *Store) UpdateRequest(ctx context.Context, requestID string, title, request *string) (remote.RequestRecord, error) {
	if title != nil {
		trimmed := strings.TrimSpace(*title)
		if trimmed == "" {
			return remote.RequestRecord{}, ErrInvalidInput
		}
		title = &trimmed
	}
	if request != nil {
		if err := validateStoredRequest(*request); err != nil {
			return remote.RequestRecord{}, err
		}
	}
	if title == nil && request == nil {
		return remote.RequestRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	workspaceID, ok := s.reqOwner[requestID]
	if !ok {
		return remote.RequestRecord{}, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	row := s.state.Workspaces[workspaceID].Requests[requestID]
	if title != nil {
		row.Title = *title
	}
	if request != nil {
		row.Request = *request
	}
	update := remote.RequestUpdate{ID: row.ID, Title: title, CollectionID: row.CollectionID, Request: request}
	if err := s.commitLocked(ctx, workspaceID, remote.TopicRequestUpdated, update); err != nil {
		return remote.RequestRecord{}, err
	}
	return row.record(), nil
}

func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	workspaceID, ok := s.reqOwner[requestID]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	delete(s.state.Workspaces[workspaceID].Requests, requestID)
	delete(s.reqOwner, requestID)
	return s.commitLocked(ctx, workspaceID, remote.TopicRequestDeleted, requestID)
}

// CollectionWorkspace reports which workspace owns a collection.
func (s *Store) CollectionWorkspace(collectionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workspaceID, ok := s.colOwner[collectionID]
	return workspaceID, ok
}

func (s *Store) RequestWorkspace(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workspaceID, ok := s.reqOwner[requestID]
	return workspaceID, ok
}

// Subscribe attaches to the change events of one workspace topic.
func (s *Store) Subscribe(ctx context.Context, workspaceID string, topic remote.Topic) (BusSubscription, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, ErrInvalidInput
	}
	return s.bus.Subscribe(ctx, workspaceID, topic)
}

func (s *Store) collectionPage(ws *workspaceState, parentID, cursor string) []remote.CollectionRecord {
	rows := make([]*collectionRow, 0)
	for _, row := range ws.Collections {
		if row.ParentID == parentID && row.ID > cursor {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	if len(rows) > s.pageSize {
		rows = rows[:s.pageSize]
	}
	out := make([]remote.CollectionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out
}

func (s *Store) collectionLocked(collectionID string) (*workspaceState, *collectionRow, error) {
	workspaceID, ok := s.colOwner[collectionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: collection %s", ErrNotFound, collectionID)
	}
	ws := s.state.Workspaces[workspaceID]
	return ws, ws.Collections[collectionID], nil
}

func (s *Store) workspaceLocked(workspaceID string) *workspaceState {
	ws := s.state.Workspaces[workspaceID]
	if ws == nil {
		ws = &workspaceState{
			Collections: map[string]*collectionRow{},
			Requests:    map[string]*requestRow{},
		}
		s.state.Workspaces[workspaceID] = ws
	}
	return ws
}

// commitLocked persists the snapshot and publishes the change. A failed
// publish is logged; the mutation itself stands.
func (s *Store) commitLocked(ctx context.Context, workspaceID string, topic remote.Topic, payload any) error {
	if s.stateBackend != nil {
		if err := s.stateBackend.Save(s.state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	data, err := eventData(topic, payload)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, BusEvent{WorkspaceID: workspaceID, Topic: topic, Data: data}); err != nil {
		s.logf("publish %s for %s failed: %v", topic, workspaceID, err)
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func eventData(topic remote.Topic, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]any{topic.Field(): payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return data, nil
}

func validateStoredRequest(request string) error {
	if _, err := (remote.RequestTranslator{}).ToCanonicalRequest(request); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (r *collectionRow) record() remote.CollectionRecord {
	rec := remote.CollectionRecord{ID: r.ID, Title: r.Title}
	if r.ParentID != "" {
		parentID := r.ParentID
		rec.ParentID = &parentID
	}
	return rec
}

func (r *requestRow) record() remote.RequestRecord {
	return remote.RequestRecord{
		ID:           r.ID,
		Title:        r.Title,
		CollectionID: r.CollectionID,
		Request:      r.Request,
	}
}

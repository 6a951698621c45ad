package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaytree/internal/backend"
	"github.com/agentworkforce/relaytree/internal/remote"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// JWTSecret enables bearer auth. Empty disables it.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SubscribeTimeout bounds the wait for a subscription's first frame.
	SubscribeTimeout time.Duration
	Logger           Logger
}

type Server struct {
	store       *backend.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *backend.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *backend.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/v1/query" && r.Method == http.MethodPost:
		s.handleQuery(w, r, correlationID)
		return
	case r.URL.Path == "/v1/subscribe" && r.Method == http.MethodGet:
		s.handleSubscribe(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	workspaceID := parts[2]

	var route string
	switch {
	case len(parts) == 4 && parts[3] == "collections" && r.Method == http.MethodPost:
		route = "create_collection"
	case len(parts) == 5 && parts[3] == "collections" && r.Method == http.MethodPatch:
		route = "rename_collection"
	case len(parts) == 5 && parts[3] == "collections" && r.Method == http.MethodDelete:
		route = "delete_collection"
	case len(parts) == 6 && parts[3] == "collections" && parts[5] == "requests" && r.Method == http.MethodPost:
		route = "create_request"
	case len(parts) == 5 && parts[3] == "requests" && r.Method == http.MethodPatch:
		route = "update_request"
	case len(parts) == 5 && parts[3] == "requests" && r.Method == http.MethodDelete:
		route = "delete_request"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if !s.authorize(w, r, workspaceID, scopeTreeWrite, correlationID) {
		return
	}

	switch route {
	case "create_collection":
		s.handleCreateCollection(w, r, workspaceID, correlationID)
	case "rename_collection":
		s.handleRenameCollection(w, r, workspaceID, parts[4], correlationID)
	case "delete_collection":
		s.handleDeleteCollection(w, r, workspaceID, parts[4], correlationID)
	case "create_request":
		s.handleCreateRequest(w, r, workspaceID, parts[4], correlationID)
	case "update_request":
		s.handleUpdateRequest(w, r, workspaceID, parts[4], correlationID)
	case "delete_request":
		s.handleDeleteRequest(w, r, workspaceID, parts[4], correlationID)
	}
}

// authorize applies bearer auth and the rate limit. It writes the error
// response and returns false when the request must stop.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, workspaceID, scope, correlationID string) bool {
	agent := "anonymous"
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, scope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return false
		}
		agent = claims.AgentName
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(workspaceID+"|"+agent, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return false
	}
	return true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, correlationID string) {
	var op remote.Operation
	if !s.decodeJSONBody(w, r, correlationID, &op) {
		return
	}
	kind, name, ok := remote.OperationName(op.Document)
	if !ok || kind != "query" {
		writeError(w, http.StatusBadRequest, "bad_request", "expected a named query document", correlationID)
		return
	}
	cursor := stringVariable(op.Variables, "cursor")

	var (
		field       string
		workspaceID string
		fetch       func(ctx context.Context) (any, error)
	)
	switch name {
	case "RootCollectionsOfTeam":
		field = "rootCollectionsOfTeam"
		workspaceID = stringVariable(op.Variables, "teamID")
		if workspaceID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing teamID variable", correlationID)
			return
		}
		fetch = func(ctx context.Context) (any, error) {
			return s.store.RootCollections(ctx, workspaceID, cursor)
		}
	case "GetCollectionChildren", "GetCollectionRequests":
		collectionID := stringVariable(op.Variables, "collectionID")
		if collectionID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing collectionID variable", correlationID)
			return
		}
		owner, found := s.store.CollectionWorkspace(collectionID)
		if !found {
			writeGraphError(w, "not_found", "collection "+collectionID+" not found")
			return
		}
		workspaceID = owner
		if name == "GetCollectionChildren" {
			field = "collectionChildren"
			fetch = func(ctx context.Context) (any, error) {
				return s.store.ChildCollections(ctx, collectionID, cursor)
			}
		} else {
			field = "requestsInCollection"
			fetch = func(ctx context.Context) (any, error) {
				return s.store.Requests(ctx, collectionID, cursor)
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown_operation", "unknown operation "+name, correlationID)
		return
	}

	if !s.authorize(w, r, workspaceID, scopeTreeRead, correlationID) {
		return
	}
	result, err := fetch(r.Context())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			writeGraphError(w, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	data, err := json.Marshal(map[string]any{field: result})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, remote.Envelope{Data: data})
}

// handleSubscribe upgrades to a websocket, reads one subscription
// operation, acknowledges it and then forwards every bus event of the topic
// as a data frame until either side goes away.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.SubscribeTimeout)
	var op remote.Operation
	err = wsjson.Read(readCtx, conn, &op)
	cancel()
	if err != nil {
		return
	}

	reject := func(code, message string) {
		_ = wsjson.Write(ctx, conn, remote.Envelope{Errors: []remote.GraphMessage{{Code: code, Message: message}}})
		_ = conn.Close(websocket.StatusPolicyViolation, message)
	}
	kind, name, ok := remote.OperationName(op.Document)
	topic, known := remote.TopicForOperation(name)
	if !ok || kind != "subscription" || !known {
		reject("bad_request", "unknown subscription")
		return
	}
	workspaceID := stringVariable(op.Variables, "teamID")
	if workspaceID == "" {
		reject("bad_request", "missing teamID variable")
		return
	}
	if s.cfg.JWTSecret != "" {
		if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, scopeTreeRead, time.Now().UTC()); authErr != nil {
			reject(authErr.code, authErr.message)
			return
		}
	}

	sub, err := s.store.Subscribe(ctx, workspaceID, topic)
	if err != nil {
		reject("internal_error", err.Error())
		return
	}
	defer sub.Close()
	if err := wsjson.Write(ctx, conn, remote.Envelope{}); err != nil {
		return
	}

	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := wsjson.Write(ctx, conn, remote.Envelope{Data: ev.Data}); err != nil {
				s.logf("subscription write for %s %s failed: %v", workspaceID, topic, err)
				return
			}
		}
	}
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	var in remote.CreateCollectionInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if in.ParentID != "" && !s.ownsCollection(workspaceID, in.ParentID) {
		writeError(w, http.StatusNotFound, "not_found", "parent collection not found", correlationID)
		return
	}
	rec, err := s.store.CreateCollection(r.Context(), workspaceID, in.Title, in.ParentID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRenameCollection(w http.ResponseWriter, r *http.Request, workspaceID, collectionID, correlationID string) {
	var in struct {
		Title string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if !s.ownsCollection(workspaceID, collectionID) {
		writeError(w, http.StatusNotFound, "not_found", "collection not found", correlationID)
		return
	}
	rec, err := s.store.RenameCollection(r.Context(), collectionID, in.Title)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request, workspaceID, collectionID, correlationID string) {
	if !s.ownsCollection(workspaceID, collectionID) {
		writeError(w, http.StatusNotFound, "not_found", "collection not found", correlationID)
		return
	}
	if err := s.store.DeleteCollection(r.Context(), collectionID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, workspaceID, collectionID, correlationID string) {
	var in remote.CreateRequestInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if !s.ownsCollection(workspaceID, collectionID) {
		writeError(w, http.StatusNotFound, "not_found", "collection not found", correlationID)
		return
	}
	rec, err := s.store.CreateRequest(r.Context(), collectionID, in.Title, in.Request)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request, workspaceID, requestID, correlationID string) {
	var in remote.UpdateRequestInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	if owner, ok := s.store.RequestWorkspace(requestID); !ok || owner != workspaceID {
		writeError(w, http.StatusNotFound, "not_found", "request not found", correlationID)
		return
	}
	rec, err := s.store.UpdateRequest(r.Context(), requestID, in.Title, in.Request)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request, workspaceID, requestID, correlationID string) {
	if owner, ok := s.store.RequestWorkspace(requestID); !ok || owner != workspaceID {
		writeError(w, http.StatusNotFound, "not_found", "request not found", correlationID)
		return
	}
	if err := s.store.DeleteRequest(r.Context(), requestID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownsCollection(workspaceID, collectionID string) bool {
	owner, ok := s.store.CollectionWorkspace(collectionID)
	return ok && owner == workspaceID
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func stringVariable(vars map[string]any, name string) string {
	value, _ := vars[name].(string)
	return strings.TrimSpace(value)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeGraphError reports a resolver failure inside a successful response,
// the way query errors travel on the wire.
func writeGraphError(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusOK, remote.Envelope{Errors: []remote.GraphMessage{{Code: code, Message: message}}})
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, backend.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

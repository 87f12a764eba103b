package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"catlock"
	"catlock/publish"
	"catlock/txn"
)

// AdminServer serves the admin JSON API.
type AdminServer struct {
	addr       string
	admin      Admin
	eventStore *EventStore
	extra      map[string]http.Handler
	logger     *zap.Logger
	mux        *http.ServeMux
	server     *http.Server

	apiHandler *APIHandler

	mu      sync.Mutex
	running bool
}

// AdminServerOption configures an AdminServer.
type AdminServerOption func(*AdminServer)

// WithAddr sets the listen address.
func WithAddr(addr string) AdminServerOption {
	return func(s *AdminServer) {
		s.addr = addr
	}
}

// WithAdminImpl sets the admin implementation.
func WithAdminImpl(admin Admin) AdminServerOption {
	return func(s *AdminServer) {
		s.admin = admin
	}
}

// WithEventStore sets the event store backing /api/events.
func WithEventStore(eventStore *EventStore) AdminServerOption {
	return func(s *AdminServer) {
		s.eventStore = eventStore
	}
}

// WithHandler mounts an extra handler, such as the metrics endpoint.
func WithHandler(pattern string, h http.Handler) AdminServerOption {
	return func(s *AdminServer) {
		if s.extra == nil {
			s.extra = make(map[string]http.Handler)
		}
		s.extra[pattern] = h
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *zap.Logger) AdminServerOption {
	return func(s *AdminServer) {
		s.logger = l
	}
}

// NewAdminServer creates an admin server.
func NewAdminServer(opts ...AdminServerOption) *AdminServer {
	s := &AdminServer{
		addr:   ":8080",
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.apiHandler = &APIHandler{admin: s.admin, events: s.eventStore}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("GET /api/locks", s.apiHandler.HandleListLocks)
	s.mux.HandleFunc("GET /api/locks/{lockID}", s.apiHandler.HandleGetLock)
	s.mux.HandleFunc("POST /api/locks/{lockID}/force-release", s.apiHandler.HandleForceRelease)
	s.mux.HandleFunc("GET /api/conflicts", s.apiHandler.HandleConflicts)
	s.mux.HandleFunc("POST /api/reindex", s.apiHandler.HandleReindex)

	s.mux.HandleFunc("GET /api/stats", s.apiHandler.HandleGetStats)
	s.mux.HandleFunc("GET /api/events", s.apiHandler.HandleListEvents)

	for pattern, h := range s.extra {
		s.mux.Handle(pattern, h)
	}
}

// Start listens and serves until Stop. It returns http.ErrServerClosed
// after a clean Stop.
func (s *AdminServer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.logger.Info("admin server listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Stop shuts the server down gracefully.
func (s *AdminServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// APIHandler serves the JSON endpoints.
type APIHandler struct {
	admin  Admin
	events *EventStore
}

// APIResponse is the envelope of every API response.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeLockNotFound   = "LOCK_NOT_FOUND"
	ErrCodeLockConflict   = "LOCK_CONFLICT"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodePublishFailed  = "PUBLISH_FAILED"
	ErrCodeStoreFailed    = "STORE_FAILED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// LockView is the JSON form of a lock.
type LockView struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	StartedAt   time.Time   `json:"started_at"`
	EditorID    string      `json:"editor_id,omitempty"`
	EditorName  string      `json:"editor_name,omitempty"`
	AmbientTxID string      `json:"ambient_tx_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Entries     []EntryView `json:"entries"`
}

// EntryView is the JSON form of a lock entry.
type EntryView struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ForceReleaseRequest is the body of a force-release call.
type ForceReleaseRequest struct {
	Reason string `json:"reason"`
}

// ReindexRequest is the body of POST /api/reindex. Targets use the
// "TYPE:id" form.
type ReindexRequest struct {
	Actor   string   `json:"actor"`
	Targets []string `json:"targets"`
}

// EventListResponse is the body of GET /api/events.
type EventListResponse struct {
	Events []StoredEvent `json:"events"`
	Total  int           `json:"total"`
}

func toLockView(l *catlock.Lock) LockView {
	v := LockView{
		ID:          l.ID,
		Kind:        string(l.Kind),
		StartedAt:   l.StartedAt,
		AmbientTxID: l.AmbientTxID,
		Reason:      l.Reason,
		Entries:     make([]EntryView, 0, len(l.Entries)),
	}
	if l.Editor != nil {
		v.EditorID = l.Editor.ID
		v.EditorName = l.Editor.Name
	}
	for _, e := range l.Entries {
		v.Entries = append(v.Entries, EntryView{Type: string(e.TargetType), ID: e.TargetID})
	}
	return v
}

func toLockViews(locks []*catlock.Lock) []LockView {
	views := make([]LockView, 0, len(locks))
	for _, l := range locks {
		views = append(views, toLockView(l))
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}

// writeLockError maps manager errors onto HTTP statuses.
func writeLockError(w http.ResponseWriter, err error) {
	var conflict *catlock.LockConflict
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, APIResponse{
			Success: false,
			Data:    toLockViews(conflict.Conflicting),
			Error:   &APIError{Code: ErrCodeLockConflict, Message: err.Error()},
		})
	case errors.Is(err, ErrReindexNotConfigured):
		writeError(w, http.StatusNotImplemented, ErrCodeNotConfigured, err.Error())
	case errors.Is(err, publish.ErrPublish), errors.Is(err, txn.ErrPrepareFailed):
		writeError(w, http.StatusBadGateway, ErrCodePublishFailed, err.Error())
	case errors.Is(err, catlock.ErrLockNotFound):
		writeError(w, http.StatusNotFound, ErrCodeLockNotFound, err.Error())
	case errors.Is(err, ErrInvalidFilter),
		errors.Is(err, catlock.ErrNoTargets),
		errors.Is(err, catlock.ErrInvalidTargetType):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, catlock.ErrLockStore):
		writeError(w, http.StatusServiceUnavailable, ErrCodeStoreFailed, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func (h *APIHandler) ready(w http.ResponseWriter) bool {
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "admin not configured")
		return false
	}
	return true
}

// HandleListLocks GET /api/locks?editor=ID or ?tx=ID
func (h *APIHandler) HandleListLocks(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	q := r.URL.Query()
	locks, err := h.admin.ListLocks(r.Context(), LockFilter{EditorID: q.Get("editor"), TxID: q.Get("tx")})
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeSuccess(w, toLockViews(locks))
}

// HandleGetLock GET /api/locks/{lockID}
func (h *APIHandler) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	l, err := h.admin.GetLock(r.Context(), r.PathValue("lockID"))
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeSuccess(w, toLockView(l))
}

// HandleForceRelease POST /api/locks/{lockID}/force-release
func (h *APIHandler) HandleForceRelease(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req ForceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "reason is required")
		return
	}
	lockID := r.PathValue("lockID")
	if err := h.admin.ForceRelease(r.Context(), lockID, req.Reason); err != nil {
		writeLockError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"message": "lock released", "lock_id": lockID})
}

// HandleConflicts GET /api/conflicts?target=TYPE:id&target=...
func (h *APIHandler) HandleConflicts(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	raw := r.URL.Query()["target"]
	targets := make([]catlock.Entry, 0, len(raw))
	for _, s := range raw {
		e, err := ParseTarget(s)
		if err != nil {
			writeLockError(w, err)
			return
		}
		targets = append(targets, e)
	}
	locks, err := h.admin.Conflicts(r.Context(), targets)
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeSuccess(w, toLockViews(locks))
}

// HandleReindex POST /api/reindex
func (h *APIHandler) HandleReindex(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req ReindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "actor is required")
		return
	}
	targets := make([]catlock.Entry, 0, len(req.Targets))
	for _, s := range req.Targets {
		e, err := ParseTarget(s)
		if err != nil {
			writeLockError(w, err)
			return
		}
		targets = append(targets, e)
	}
	result, err := h.admin.Reindex(r.Context(), req.Actor, targets)
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeSuccess(w, result)
}

// HandleGetStats GET /api/stats
func (h *APIHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	stats, err := h.admin.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, stats)
}

// HandleListEvents GET /api/events?action=&limit=&offset=
func (h *APIHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeSuccess(w, EventListResponse{Events: []StoredEvent{}})
		return
	}
	q := r.URL.Query()
	filter := EventFilter{Action: q.Get("action"), Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "offset must not be negative")
			return
		}
		filter.Offset = n
	}
	writeSuccess(w, EventListResponse{
		Events: h.events.List(filter),
		Total:  h.events.Count(filter),
	})
}

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/alert"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/reconcile"
	"github.com/roach88/tillguard/internal/store"
)

// EventStore is the server store surface the HTTP layer reads and writes.
type EventStore interface {
	AppendBatch(ctx context.Context, events []event.Event) (store.BatchResult, error)
	GetEventsByType(ctx context.Context, typ event.Type, limit int) ([]event.Event, error)
	Search(ctx context.Context, f store.Filter) ([]event.Event, error)
	Read(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]event.Event, error)
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (store.Snapshot, bool, error)
	Ping(ctx context.Context) error
}

// Server serves the central event store and the sync protocol.
type Server struct {
	store  EventStore
	sync   *reconcile.Service
	tokens *Tokens
	limits *deviceLimiter
	opts   options
}

// NewServer builds the server router.
func NewServer(st EventStore, svc *reconcile.Service, tokens *Tokens, opts ...Option) *Server {
	o := buildOptions(opts)
	o.logger = o.logger.Named("api.server")
	return &Server{
		store:  st,
		sync:   svc,
		tokens: tokens,
		limits: newDeviceLimiter(o.pushRate, o.pushBurst),
		opts:   o,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.opts.logger))
	r.Use(recoverer(s.opts.logger))

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(s.tokens))

		r.With(s.limits.middleware).Post("/sync/push", s.push)
		r.Post("/sync/pull", s.pull)

		r.Post("/events", s.appendEvents)
		r.Get("/events", s.eventsByType)
		r.Post("/events/search", s.search)

		r.Get("/aggregates/{type}/{id}/events", s.readAggregate)
		r.Put("/aggregates/{type}/{id}/snapshots", s.saveSnapshot)
		r.Get("/aggregates/{type}/{id}/snapshots/latest", s.latestSnapshot)

		r.Get("/conflicts", s.conflicts)
		r.Post("/conflicts/{id}/resolve", s.resolveConflict)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, string(fault.CodeStorage), "store unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var req reconcile.PushRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	switch {
	case req.DeviceID == "":
		req.DeviceID = p.DeviceID
	case p.DeviceID != "" && req.DeviceID != p.DeviceID:
		s.fail(w, r, fault.New(fault.CodeInsufficientPermission, "api.push",
			"token is bound to device %s", p.DeviceID))
		return
	}
	res, err := s.sync.Push(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	var req reconcile.PullRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.sync.Pull(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

type appendRequest struct {
	Events []event.Event `json:"events" validate:"required,min=1"`
}

func (s *Server) appendEvents(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.AppendBatch(r.Context(), req.Events)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, res)
}

func (s *Server) eventsByType(w http.ResponseWriter, r *http.Request) {
	typ := event.Type(r.URL.Query().Get("type"))
	if !typ.Valid() {
		s.fail(w, r, fault.New(fault.CodeValidation, "api.events", "unknown event type %q", typ))
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.store.GetEventsByType(r.Context(), typ, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, events)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var f store.Filter
	if err := decodeBody(r, &f); err != nil {
		s.fail(w, r, err)
		return
	}
	for _, t := range f.Types {
		if !t.Valid() {
			s.fail(w, r, fault.New(fault.CodeValidation, "api.search", "unknown event type %q", t))
			return
		}
	}
	events, err := s.store.Search(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, events)
}

func (s *Server) readAggregate(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from", 1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.store.Read(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"), from)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, events)
}

type snapshotRequest struct {
	Version int64        `json:"version" validate:"min=1"`
	State   event.Object `json:"state" validate:"required"`
}

func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	snap := store.Snapshot{
		AggregateID:   chi.URLParam(r, "id"),
		AggregateType: chi.URLParam(r, "type"),
		Version:       req.Version,
		State:         req.State,
	}
	if err := s.store.SaveSnapshot(r.Context(), snap); err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, snap)
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	id, typ := chi.URLParam(r, "id"), chi.URLParam(r, "type")
	snap, ok, err := s.store.GetLatestSnapshot(r.Context(), id, typ)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, fault.New(fault.CodeNotFound, "api.latestSnapshot", "no snapshot for %s/%s", typ, id))
		return
	}
	writeSuccess(w, http.StatusOK, snap)
}

func (s *Server) conflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.sync.Conflicts(r.Context(), r.URL.Query().Get("status"), int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list)
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var res reconcile.Resolution
	if err := decodeBody(r, &res); err != nil {
		s.fail(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	c, err := s.sync.ResolveConflict(r.Context(), chi.URLParam(r, "id"), res, p.ActorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, c)
}

// fail writes err as an envelope. Corruption also reaches an operator.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	failWith(w, r, s.opts, err)
}

func failWith(w http.ResponseWriter, r *http.Request, o options, err error) {
	code := fault.CodeOf(err)
	status := statusOf(code)
	if code == "" {
		o.logger.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, status, codeInternal, "internal server error")
		return
	}
	if status >= 500 {
		o.logger.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	if code == fault.CodeCorruption || code == fault.CodeChainBroken {
		o.notifier.Raise(r.Context(), alert.Critical, "integrity", "Integrity check failed", err.Error(),
			map[string]string{"request_id": RequestIDFrom(r.Context()), "path": r.URL.Path})
	}
	writeError(w, status, string(code), err.Error())
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fault.New(fault.CodeValidation, "api.query", "%s must be a non-negative integer", name)
	}
	return n, nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/tillguard/internal/edgelog"
	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
	"github.com/roach88/tillguard/internal/risk"
	"github.com/roach88/tillguard/internal/security"
)

// historyPage is the page size used when reading the whole device history.
const historyPage = 500

// SessionAggregate is the aggregate type of cashier session events.
const SessionAggregate = "session"

// EdgeLog is the part of the edge log the edge router uses.
type EdgeLog interface {
	Append(ctx context.Context, typ event.Type, actorID string, payload event.Object, opts ...edgelog.AppendOption) (event.Event, error)
	Audit(ctx context.Context) (edgelog.ChainReport, error)
	Events(ctx context.Context, afterSeq int64, limit int) ([]edgelog.Record, error)
	Degraded() bool
	ClearDegraded(reviewer string)
	Online() bool
}

// Edge serves the checkout security surface of one device.
type Edge struct {
	log    EdgeLog
	guard  *security.Guard
	risk   *risk.Engine
	tokens *Tokens
	opts   options
}

// NewEdge builds the edge router.
func NewEdge(log EdgeLog, guard *security.Guard, engine *risk.Engine, tokens *Tokens, opts ...Option) *Edge {
	o := buildOptions(opts)
	o.logger = o.logger.Named("api.edge")
	return &Edge{log: log, guard: guard, risk: engine, tokens: tokens, opts: o}
}

// Routes returns the HTTP handler.
func (e *Edge) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(e.opts.logger))
	r.Use(recoverer(e.opts.logger))

	r.Get("/healthz", e.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authenticate(e.tokens))

		r.Post("/transactions", e.begin)
		r.Route("/transactions/{id}", func(r chi.Router) {
			r.Get("/", e.state)
			r.Delete("/", e.cancel)
			r.Get("/readiness", e.readiness)
			r.Post("/scan", e.scan)
			r.Post("/bag", e.bag)
			r.Post("/weigh", e.weigh)
			r.Post("/lock", e.lock)
			r.Post("/unlock", e.unlock)
			r.Post("/pay", e.pay)
		})

		r.Post("/signals", e.signal)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/voids", e.void)
			r.Post("/refunds", e.refund)
			r.Post("/discounts", e.discount)
			r.Post("/end", e.endSession)
		})

		r.Get("/lockdown", e.lockdown)
		r.Delete("/lockdown", e.liftLockdown)

		r.Get("/chain/verify", e.verifyChain)
		r.Post("/chain/review", e.reviewChain)
		r.Get("/reconcile", e.reconcile)
	})
	return r
}

func (e *Edge) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"online":   e.log.Online(),
		"degraded": e.log.Degraded(),
	})
}

func actorOf(r *http.Request) string {
	p, _ := PrincipalFrom(r.Context())
	return p.ActorID
}

type beginRequest struct {
	TransactionID string `json:"transaction_id" validate:"omitempty,max=128"`
}

func (e *Edge) begin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			e.fail(w, r, err)
			return
		}
	}
	if req.TransactionID == "" {
		req.TransactionID = event.NewID()
	}
	st, err := e.guard.Begin(r.Context(), req.TransactionID, actorOf(r))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, st)
}

func (e *Edge) state(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := e.guard.State(id)
	if !ok {
		e.fail(w, r, fault.New(fault.CodeNotFound, "api.state", "transaction %s is not open", id))
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (e *Edge) readiness(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, e.guard.CanProceedToPayment(chi.URLParam(r, "id")))
}

func (e *Edge) scan(w http.ResponseWriter, r *http.Request) {
	var item security.Item
	if err := decodeBody(r, &item); err != nil {
		e.fail(w, r, err)
		return
	}
	st, err := e.guard.ScanItem(r.Context(), chi.URLParam(r, "id"), actorOf(r), item)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

type bagRequest struct {
	ProductID   string `json:"product_id" validate:"required"`
	ActualGrams *int64 `json:"actual_grams" validate:"omitempty,min=0"`
}

func (e *Edge) bag(w http.ResponseWriter, r *http.Request) {
	var req bagRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	st, err := e.guard.BagItem(r.Context(), chi.URLParam(r, "id"), actorOf(r), req.ProductID, req.ActualGrams)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

type weighRequest struct {
	ActualGrams *int64 `json:"actual_grams" validate:"required,min=0"`
}

func (e *Edge) weigh(w http.ResponseWriter, r *http.Request) {
	var req weighRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	check, err := e.guard.VerifyWeight(r.Context(), chi.URLParam(r, "id"), actorOf(r), *req.ActualGrams)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, check)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (e *Edge) lock(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	st, err := e.guard.Lock(r.Context(), chi.URLParam(r, "id"), actorOf(r), req.Reason)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (e *Edge) unlock(w http.ResponseWriter, r *http.Request) {
	st, err := e.guard.Unlock(r.Context(), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (e *Edge) pay(w http.ResponseWriter, r *http.Request) {
	st, err := e.guard.MarkPaid(r.Context(), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (e *Edge) cancel(w http.ResponseWriter, r *http.Request) {
	st, err := e.guard.Cancel(r.Context(), chi.URLParam(r, "id"), actorOf(r), r.URL.Query().Get("reason"))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

// Signal kinds accepted from hardware.
const (
	SignalCamera = "camera"
	SignalGate   = "gate"
)

type signalRequest struct {
	Kind          string `json:"kind" validate:"required,oneof=camera gate"`
	TransactionID string `json:"transaction_id"`

	CameraID   string `json:"camera_id" validate:"required_if=Kind camera"`
	Detection  string `json:"detection"`
	Mismatch   bool   `json:"mismatch"`
	Confidence int64  `json:"confidence" validate:"min=0,max=100"`

	GateID     string `json:"gate_id" validate:"required_if=Kind gate"`
	Authorized *bool  `json:"authorized" validate:"required_if=Kind gate"`
}

// signal records a hardware signal. The risk engine picks it up from the
// log subscription.
func (e *Edge) signal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	var (
		typ     event.Type
		payload event.Object
	)
	switch req.Kind {
	case SignalCamera:
		typ = event.CameraEventRecorded
		payload = event.Object{
			"camera_id":  event.String(req.CameraID),
			"detection":  event.String(req.Detection),
			"mismatch":   event.Bool(req.Mismatch),
			"confidence": event.Int(req.Confidence),
		}
	case SignalGate:
		typ = event.EASGateTriggered
		payload = event.Object{
			"gate_id":    event.String(req.GateID),
			"authorized": event.Bool(*req.Authorized),
		}
	}
	var opts []edgelog.AppendOption
	if req.TransactionID != "" {
		payload["transaction_id"] = event.String(req.TransactionID)
		opts = append(opts, edgelog.WithCorrelation(req.TransactionID))
	}
	ev, err := e.log.Append(r.Context(), typ, actorOf(r), payload, opts...)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusAccepted, ev)
}

type adjustmentRequest struct {
	Amount        int64  `json:"amount" validate:"min=0"`
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	ReasonCode    string `json:"reason_code"`
}

func (e *Edge) void(w http.ResponseWriter, r *http.Request) {
	e.adjust(w, r, event.OrderItemVoided)
}

func (e *Edge) refund(w http.ResponseWriter, r *http.Request) {
	e.adjust(w, r, event.PaymentRefunded)
}

func (e *Edge) discount(w http.ResponseWriter, r *http.Request) {
	e.adjust(w, r, event.OrderDiscountApplied)
}

// adjust records a cashier session adjustment. The anomaly detector
// consumes it from the log subscription.
func (e *Edge) adjust(w http.ResponseWriter, r *http.Request, typ event.Type) {
	var req adjustmentRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	sessionID := chi.URLParam(r, "id")
	payload := event.Object{
		"session_id": event.String(sessionID),
		"amount":     event.Int(req.Amount),
	}
	if req.TransactionID != "" {
		payload["transaction_id"] = event.String(req.TransactionID)
	}
	if req.ProductID != "" && typ == event.OrderItemVoided {
		payload["product_id"] = event.String(req.ProductID)
	}
	opts := []edgelog.AppendOption{edgelog.WithAggregate(sessionID, SessionAggregate)}
	if req.ReasonCode != "" && typ == event.OrderDiscountApplied {
		payload["reason_code"] = event.String(req.ReasonCode)
		opts = append(opts, edgelog.WithSchemaVersion(2))
	}
	ev, err := e.log.Append(r.Context(), typ, actorOf(r), payload, opts...)
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, ev)
}

func (e *Edge) endSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	ev, err := e.log.Append(r.Context(), event.CashierSessionEnded, actorOf(r),
		event.Object{"session_id": event.String(sessionID)},
		edgelog.WithAggregate(sessionID, SessionAggregate))
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, ev)
}

type lockdownView struct {
	LockedDown    bool      `json:"locked_down"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Score         int       `json:"score,omitempty"`
	Classes       []string  `json:"classes,omitempty"`
	Since         time.Time `json:"since,omitzero"`
	Threats       int       `json:"threats,omitempty"`
}

func (e *Edge) lockdown(w http.ResponseWriter, _ *http.Request) {
	info, ok := e.risk.Lockdown()
	view := lockdownView{LockedDown: ok}
	if ok {
		view.TransactionID = info.TransactionID
		view.Score = info.Score
		view.Since = info.Since
		view.Threats = len(info.Threats)
		for _, c := range info.Classes {
			view.Classes = append(view.Classes, string(c))
		}
	}
	writeSuccess(w, http.StatusOK, view)
}

func (e *Edge) liftLockdown(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(r, &req); err != nil {
		e.fail(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	if err := e.risk.LiftLockdown(r.Context(), risk.Actor{ID: p.ActorID, Roles: p.Roles}, req.Reason); err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, lockdownView{LockedDown: false})
}

func (e *Edge) verifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := e.log.Audit(r.Context())
	if err != nil {
		e.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

// reviewChain clears the degraded flag after an operator looked at a break.
func (e *Edge) reviewChain(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	role := e.risk.Config().PrivilegedRole
	if !(risk.Actor{ID: p.ActorID, Roles: p.Roles}).HasRole(role) {
		e.fail(w, r, fault.New(fault.CodeInsufficientPermission, "api.reviewChain",
			"chain review requires role %q", role).With("actor_id", p.ActorID))
		return
	}
	e.log.ClearDegraded(p.ActorID)
	writeSuccess(w, http.StatusOK, map[string]bool{"degraded": e.log.Degraded()})
}

type reconcileView struct {
	Events     int                 `json:"events"`
	Mismatches []security.Mismatch `json:"mismatches"`
}

// reconcile replays the device history and diffs it against the open
// transactions held by the guard.
func (e *Edge) reconcile(w http.ResponseWriter, r *http.Request) {
	var (
		history []event.Event
		after   int64
	)
	for {
		page, err := e.log.Events(r.Context(), after, historyPage)
		if err != nil {
			e.fail(w, r, err)
			return
		}
		for _, rec := range page {
			history = append(history, rec.Event)
			after = rec.Seq
		}
		if len(page) < historyPage {
			break
		}
	}
	view := reconcileView{Events: len(history), Mismatches: e.guard.Reconcile(history)}
	if view.Mismatches == nil {
		view.Mismatches = []security.Mismatch{}
	}
	writeSuccess(w, http.StatusOK, view)
}

func (e *Edge) fail(w http.ResponseWriter, r *http.Request, err error) {
	failWith(w, r, e.opts, err)
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/agent-scheduler/internal/config"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
	"github.com/fairyhunter13/agent-scheduler/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Orders     *usecase.WorkOrders
	Bus        domain.EventBus
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, orders *usecase.WorkOrders, bus domain.EventBus, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Orders: orders, Bus: bus, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Mount registers the versioned API routes on the router.
func (s *Server) Mount(r chi.Router) {
	r.Route("/v1/work-orders", func(r chi.Router) {
		r.Post("/", s.CreateHandler())
		r.Get("/", s.ListHandler())
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetHandler())
			r.Get("/audit", s.AuditHandler())
			r.Get("/events", s.EventsHandler())
			r.Post("/resume", s.ResumeHandler())
			r.Post("/cancel", s.CancelHandler())
		})
	})
	r.Get("/v1/metrics-summary", s.MetricsHandler())
}

// CreateHandler accepts a raw user request and runs the ingress path.
func (s *Server) CreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			Message   string   `json:"message" validate:"required,max=32768"`
			SessionID string   `json:"session_id" validate:"max=128"`
			Channel   string   `json:"channel" validate:"max=64"`
			History   []string `json:"history" validate:"max=20,dive,max=8192"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		res, err := s.Orders.Create(r.Context(), usecase.CreateInput{
			RawMessage: req.Message,
			SessionID:  req.SessionID,
			Channel:    req.Channel,
			Principal:  PrincipalFrom(r),
			History:    req.History,
		})
		if err != nil {
			if isRetryable(err) {
				w.Header().Set("Retry-After", strconv.Itoa(int(s.Cfg.RateLimitWindow/time.Second)))
			}
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusCreated
		if res.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrBudgetExceeded)
}

// GetHandler returns one work order.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		wo, err := s.Orders.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, workOrderEnvelope(wo))
	}
}

// ListHandler queries work orders by status, owner and session.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		orders, err := s.Orders.List(r.Context(), domain.WorkOrderFilter{
			Status:    domain.Status(q.Get("status")),
			Owner:     domain.Tier(q.Get("owner")),
			SessionID: q.Get("session_id"),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(orders))
		for _, wo := range orders {
			out = append(out, workOrderEnvelope(wo))
		}
		writeJSON(w, http.StatusOK, map[string]any{"work_orders": out})
	}
}

// AuditHandler returns the audit trail for one order.
func (s *Server) AuditHandler() http.HandlerFunc {
	type entry struct {
		Actor     string         `json:"actor"`
		Action    string         `json:"action"`
		Status    string         `json:"status"`
		Details   map[string]any `json:"details,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		// 404 for unknown orders rather than an empty trail.
		if _, err := s.Orders.Get(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		logs, err := s.Orders.Audit(r.Context(), id, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]entry, 0, len(logs))
		for _, l := range logs {
			out = append(out, entry{Actor: l.Actor, Action: l.Action, Status: l.Status, Details: l.Details, Timestamp: l.Timestamp})
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": out})
	}
}

// ResumeHandler continues a clarification conversation with the user's reply.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		var req struct {
			Reply string `json:"reply" validate:"required,max=32768"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: reply required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Orders.Resume(r.Context(), chi.URLParam(r, "id"), req.Reply)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

// CancelHandler cancels a queued or running order.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
		}
		id := chi.URLParam(r, "id")
		if err := s.Orders.Cancel(r.Context(), id, req.Reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.StatusCancelled)})
	}
}

// MetricsHandler aggregates spend and status counts over a window.
func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := parseTimeParam(r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad from", domain.ErrInvalidArgument), nil)
			return
		}
		to, err := parseTimeParam(r.URL.Query().Get("to"))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: bad to", domain.ErrInvalidArgument), nil)
			return
		}
		sum, err := s.Orders.Metrics(r.Context(), from, to)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

// EventsHandler streams progress events for one order over SSE. The current
// state is sent first so late subscribers never start blind.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}
		id := chi.URLParam(r, "id")
		wo, err := s.Orders.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		events, cancel, err := s.Bus.Subscribe(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		snapshot := domain.ProgressEvent{
			WorkOrderID: wo.ID, Status: wo.Status, Tier: wo.Owner,
			Attempt: wo.RetryCount, Detail: "snapshot", Timestamp: wo.UpdatedAt,
		}
		writeSSE(w, snapshot)
		flusher.Flush()
		if wo.Terminal() {
			return
		}

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
				if ev.Status == domain.StatusCompleted || ev.Status == domain.StatusCancelled || ev.Status == domain.StatusBlocked {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ProgressEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", b)
}

// HealthzHandler is a trivial liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the store and redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancelFn := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancelFn()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "store", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "store", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

func workOrderEnvelope(wo domain.WorkOrder) map[string]any {
	m := map[string]any{
		"id":               wo.ID,
		"session_id":       wo.SessionID,
		"intent":           wo.Intent,
		"difficulty":       string(wo.Difficulty),
		"owner":            string(wo.Owner),
		"status":           string(wo.Status),
		"retry_count":      wo.RetryCount,
		"max_retries":      wo.MaxRetries,
		"escalation_chain": wo.EscalationChain,
		"cost_usd":         wo.CostUSD,
		"created_at":       wo.CreatedAt,
		"updated_at":       wo.UpdatedAt,
	}
	if len(wo.RelevantFiles) > 0 {
		m["relevant_files"] = wo.RelevantFiles
	}
	if wo.LastError != "" {
		m["last_error"] = wo.LastError
	}
	if wo.Status == domain.StatusCompleted {
		m["result"] = wo.ResultOutput
	}
	if wo.CompletedAt != nil {
		m["completed_at"] = wo.CompletedAt
	}
	return m
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

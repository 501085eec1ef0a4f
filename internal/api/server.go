// Package api is the HTTP surface: run start and status, property reads, the
// alert list and subscription management, all scoped to one account per
// request.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/gsc-radar/internal/metrics"
	"github.com/sells-group/gsc-radar/internal/model"
	"github.com/sells-group/gsc-radar/internal/report"
	"github.com/sells-group/gsc-radar/internal/store"
	"github.com/sells-group/gsc-radar/internal/tracker"
)

// Scheduler accepts run requests.
type Scheduler interface {
	Submit(accountID string) (string, error)
}

// StatusReader serves the run read model.
type StatusReader interface {
	Status(ctx context.Context, accountID string) (*model.RunStatus, error)
}

// Store is the persistence the handlers read and write.
type Store interface {
	report.Store
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAlerts(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error)
	AddSubscription(ctx context.Context, sub model.Subscription) error
	RemoveSubscription(ctx context.Context, accountID, recipient, propertyID string) (bool, error)
	ListSubscriptions(ctx context.Context, accountID, propertyID string) ([]model.Subscription, error)
	Ping(ctx context.Context) error
}

// Config holds HTTP layer settings.
type Config struct {
	AllowedOrigins []string
	// HalfWindowDays is the length of each window compared by the overview
	// and dashboard reads.
	HalfWindowDays int
}

// Server holds the handler dependencies.
type Server struct {
	store     Store
	scheduler Scheduler
	status    StatusReader
	reports   *report.Reader
	cfg       Config
}

// NewServer creates a Server.
func NewServer(st Store, sched Scheduler, status StatusReader, cfg Config) *Server {
	return &Server{
		store:     st,
		scheduler: sched,
		status:    status,
		reports:   report.NewReader(st, cfg.HalfWindowDays),
		cfg:       cfg,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(observe)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Use(s.requireAccount)
		r.Post("/runs", s.startRun)
		r.Get("/runs/latest", s.latestRun)
		r.Get("/dashboard", s.dashboard)
		r.Get("/properties", s.listProperties)
		r.Get("/properties/{propertyID}/overview", s.propertyOverview)
		r.Get("/properties/{propertyID}/pages", s.visibility(model.SourcePage))
		r.Get("/properties/{propertyID}/devices", s.visibility(model.SourceDevice))
		r.Get("/alerts", s.listAlerts)
		r.Get("/subscriptions", s.listSubscriptions)
		r.Post("/subscriptions", s.addSubscription)
		r.Delete("/subscriptions", s.removeSubscription)
	})
	return r
}

// observe counts requests by route pattern and logs them.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type ctxKey struct{}

func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "accountID")
		acct, err := s.store.GetAccount(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		if err != nil {
			internalError(w, "get account", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, acct)))
	})
}

func accountFrom(r *http.Request) *model.Account {
	acct, _ := r.Context().Value(ctxKey{}).(*model.Account)
	return acct
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	runID, err := s.scheduler.Submit(acct.ID)
	if errors.Is(err, tracker.ErrAlreadyRunning) {
		writeError(w, http.StatusConflict, "a run is already in progress for this account")
		return
	}
	if err != nil {
		internalError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "queued"})
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context(), accountFrom(r).ID)
	if err != nil {
		internalError(w, "run status", err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "no runs for this account")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.reports.Dashboard(r.Context(), accountFrom(r))
	if err != nil {
		internalError(w, "dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	sites, err := s.reports.Websites(r.Context(), accountFrom(r).ID)
	if err != nil {
		internalError(w, "list properties", err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) propertyOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.reports.Overview(r.Context(), accountFrom(r).ID, chi.URLParam(r, "propertyID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "property not found")
		return
	}
	if err != nil {
		internalError(w, "property overview", err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) visibility(dim model.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.reports.Visibility(r.Context(), accountFrom(r).ID, chi.URLParam(r, "propertyID"), dim)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "property not found")
			return
		}
		if err != nil {
			internalError(w, string(dim)+" visibility", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		AccountID:  accountFrom(r).ID,
		PropertyID: q.Get("property_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		internalError(w, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context(), accountFrom(r).ID, r.URL.Query().Get("property_id"))
	if err != nil {
		internalError(w, "list subscriptions", err)
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type subscriptionRequest struct {
	Recipient  string `json:"recipient"`
	PropertyID string `json:"property_id"`
}

// parseSubscription validates the recipient address and checks the property belongs to
// the account. It writes the error response itself and returns false.
func (s *Server) parseSubscription(w http.ResponseWriter, r *http.Request, req subscriptionRequest) (model.Subscription, bool) {
	acct := accountFrom(r)
	req.Recipient = strings.TrimSpace(req.Recipient)
	addr, err := mail.ParseAddress(req.Recipient)
	if err != nil || addr.Address != req.Recipient {
		writeError(w, http.StatusBadRequest, "recipient must be a plain email address")
		return model.Subscription{}, false
	}
	if req.PropertyID == "" {
		writeError(w, http.StatusBadRequest, "property_id is required")
		return model.Subscription{}, false
	}
	if _, err := s.store.GetProperty(r.Context(), acct.ID, req.PropertyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "property not found")
		} else {
			internalError(w, "get property", err)
		}
		return model.Subscription{}, false
	}
	return model.Subscription{AccountID: acct.ID, Recipient: strings.ToLower(addr.Address), PropertyID: req.PropertyID}, true
}

func (s *Server) addSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, ok := s.parseSubscription(w, r, req)
	if !ok {
		return
	}
	if err := s.store.AddSubscription(r.Context(), sub); err != nil {
		internalError(w, "add subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) removeSubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub, ok := s.parseSubscription(w, r, subscriptionRequest{Recipient: q.Get("recipient"), PropertyID: q.Get("property_id")})
	if !ok {
		return
	}
	removed, err := s.store.RemoveSubscription(r.Context(), sub.AccountID, sub.Recipient, sub.PropertyID)
	if err != nil {
		internalError(w, "remove subscription", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func internalError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

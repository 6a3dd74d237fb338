// Package server exposes the marketd operator endpoints: health, metrics,
// envelope inspection, manual retry of failed envelopes and local listing
// templates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	chimw "github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"p2pmarket/observability"
	"p2pmarket/services/marketd/dispatch"
	"p2pmarket/services/marketd/models"
	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/repository"
	"p2pmarket/services/marketd/trade"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	limiterCacheSize = 4096
)

// Retrier resets failed envelopes.
type Retrier interface {
	Retry(ctx context.Context, msgID string) (*models.Envelope, error)
}

// Templates manages local listing templates.
type Templates interface {
	Create(ctx context.Context, draft trade.TemplateDraft) (*models.ListingItemTemplate, *models.Escrow, error)
	UpdateEscrow(ctx context.Context, templateID uuid.UUID, terms trade.EscrowTerms) (*models.Escrow, error)
}

// RateLimit bounds requests per client. Zero RequestsPerMinute disables limiting.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Config captures the dependencies of the server.
type Config struct {
	Envelopes repository.EnvelopeRepository
	Retrier   Retrier
	// Templates enables the template routes when set.
	Templates Templates
	// Ping checks storage health. Nil reports healthy.
	Ping      func(ctx context.Context) error
	RateLimit RateLimit
	Logger    *slog.Logger
}

// Server serves the operator API.
type Server struct {
	envelopes repository.EnvelopeRepository
	retrier   Retrier
	templates Templates
	ping      func(ctx context.Context) error
	limit     RateLimit
	limiters  *lru.Cache
	logger    *slog.Logger
	router    http.Handler
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Envelopes == nil {
		return nil, errors.New("server: envelope repository required")
	}
	if cfg.Retrier == nil {
		return nil, errors.New("server: retrier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		envelopes: cfg.Envelopes,
		retrier:   cfg.Retrier,
		templates: cfg.Templates,
		ping:      cfg.Ping,
		limit:     cfg.RateLimit,
		logger:    logger.With("component", "ops-http"),
	}
	if s.limit.RequestsPerMinute > 0 {
		cache, err := lru.New(limiterCacheSize)
		if err != nil {
			return nil, err
		}
		s.limiters = cache
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(s.rateLimit)

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1/envelopes", func(api chi.Router) {
		api.Get("/", s.ListEnvelopes)
		api.Get("/{msgID}", s.GetEnvelope)
		api.Post("/{msgID}/retry", s.RetryEnvelope)
	})
	if s.templates != nil {
		r.Route("/v1/templates", func(api chi.Router) {
			api.Post("/", s.CreateTemplate)
			api.Put("/{templateID}/escrow", s.UpdateTemplateEscrow)
		})
	}
	return otelhttp.NewHandler(r, "marketd.ops")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.Ops().Observe(route, status, time.Since(start))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiters == nil {
		return next
	}
	perSecond := s.limit.RequestsPerMinute / 60.0
	burst := s.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		var limiter *rate.Limiter
		if cached, ok := s.limiters.Get(id); ok {
			limiter = cached.(*rate.Limiter)
		} else {
			limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
			s.limiters.Add(id, limiter)
		}
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID relies on RealIP having already rewritten RemoteAddr.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Health reports whether storage is reachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type envelopeView struct {
	MsgID        string                  `json:"msg_id"`
	Version      string                  `json:"version,omitempty"`
	Sender       string                  `json:"sender"`
	Status       models.ProcessingStatus `json:"status"`
	Attempts     int                     `json:"attempts"`
	LastError    string                  `json:"last_error,omitempty"`
	PayloadBytes int                     `json:"payload_bytes"`
	SentAt       time.Time               `json:"sent_at"`
	ReceivedAt   time.Time               `json:"received_at"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	ProcessedAt  *time.Time              `json:"processed_at,omitempty"`
}

func viewOf(env *models.Envelope) envelopeView {
	view := envelopeView{
		MsgID:        env.MsgID,
		Version:      env.Version,
		Sender:       env.Sender,
		Status:       env.ProcessingStatus,
		Attempts:     env.Attempts,
		LastError:    env.LastError,
		PayloadBytes: len(env.Payload),
		SentAt:       env.SentAt,
		ReceivedAt:   env.ReceivedAt,
		ProcessedAt:  env.ProcessedAt,
	}
	if !env.ExpiresAt.IsZero() {
		expires := env.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}

// ListEnvelopes lists envelopes, optionally filtered by ?status=.
func (s *Server) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	status := models.ProcessingStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxListLimit)
	}
	envs, err := s.envelopes.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list envelopes", "error", err)
		http.Error(w, "failed to list envelopes", http.StatusInternalServerError)
		return
	}
	out := make([]envelopeView, 0, len(envs))
	for _, env := range envs {
		out = append(out, viewOf(env))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"envelopes": out})
}

// GetEnvelope returns one envelope by transport message id.
func (s *Server) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := s.envelopes.FindByMsgID(r.Context(), chi.URLParam(r, "msgID"))
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "envelope not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("load envelope", "error", err)
		http.Error(w, "failed to load envelope", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(env))
}

// RetryEnvelope moves a PROCESSING_FAILED envelope back to NEW.
func (s *Server) RetryEnvelope(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "msgID")
	env, err := s.retrier.Retry(r.Context(), msgID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "envelope not found", http.StatusNotFound)
		return
	case errors.Is(err, dispatch.ErrNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("retry envelope", "msg_id", msgID, "error", err)
		http.Error(w, "failed to retry envelope", http.StatusInternalServerError)
		return
	}
	s.logger.Info("envelope requeued", "msg_id", msgID)
	s.writeJSON(w, http.StatusAccepted, viewOf(env))
}

type escrowView struct {
	ID          uuid.UUID         `json:"id"`
	TemplateID  *uuid.UUID        `json:"template_id,omitempty"`
	Type        models.EscrowType `json:"type"`
	BuyerRatio  uint32            `json:"buyer_ratio"`
	SellerRatio uint32            `json:"seller_ratio"`
}

func escrowViewOf(e *models.Escrow) escrowView {
	return escrowView{
		ID:          e.ID,
		TemplateID:  e.TemplateID,
		Type:        e.Type,
		BuyerRatio:  e.BuyerRatio,
		SellerRatio: e.SellerRatio,
	}
}

// CreateTemplate stores a new listing template with its escrow terms.
func (s *Server) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var draft trade.TemplateDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid template", http.StatusBadRequest)
		return
	}
	tpl, escrow, err := s.templates.Create(r.Context(), draft)
	if errors.Is(err, trade.ErrInvalidEscrow) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("create template", "error", err)
		http.Error(w, "failed to create template", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"id":     tpl.ID,
		"hash":   tpl.Hash,
		"title":  tpl.Title,
		"escrow": escrowViewOf(escrow),
	})
}

// UpdateTemplateEscrow replaces a template's escrow terms. Once a listing is
// published from the template the terms are locked.
func (s *Server) UpdateTemplateEscrow(w http.ResponseWriter, r *http.Request) {
	templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		http.Error(w, "invalid template id", http.StatusBadRequest)
		return
	}
	var info message.EscrowInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "invalid escrow", http.StatusBadRequest)
		return
	}
	escrow, err := s.templates.UpdateEscrow(r.Context(), templateID, trade.TermsFrom(&info))
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "template not found", http.StatusNotFound)
		return
	case errors.Is(err, trade.ErrInvalidEscrow):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, trade.ErrEscrowLocked):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("update template escrow", "template_id", templateID, "error", err)
		http.Error(w, "failed to update escrow", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowViewOf(escrow))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/config"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/protocol"
	"github.com/antoniostano/coachd/internal/session"
	"github.com/antoniostano/coachd/internal/trigger"
)

type Orchestrator interface {
	Turn(ctx context.Context, req protocol.TurnRequest) iter.Seq[protocol.Event]
	Active(ctx context.Context, userID, coachID string) (*collection.Session, error)
	Cancel(ctx context.Context, userID, sessionID, reason string) (*collection.Session, error)
	ClearField(ctx context.Context, userID, sessionID, field string) (*collection.Session, error)
	RetryGeneration(ctx context.Context, userID, sessionID string) (trigger.Result, error)
	CompleteGeneration(ctx context.Context, sessionID, jobID, status, errMsg string) error
}

// Info describes the resolved backends for health output.
type Info struct {
	StoreMode     string
	GeneratorMode string
}

type Server struct {
	cfg           config.Config
	conversations *session.Manager
	orchestrator  Orchestrator
	metrics       *observability.Metrics
	gatherer      prometheus.Gatherer
	info          Info
	logger        *zap.Logger
	limiter       *RateLimiter
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, conversations *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, gatherer prometheus.Gatherer, info Info, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:           cfg,
		conversations: conversations,
		orchestrator:  orchestrator,
		metrics:       metrics,
		gatherer:      gatherer,
		info:          info,
		logger:        logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	}
	return s
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler(s.gatherer))
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Get("/v1/collections/active", s.handleActiveCollection)
	r.Post("/v1/collections/{id}/cancel", s.handleCancelCollection)
	r.Post("/v1/collections/{id}/fields/{field}/clear", s.handleClearField)
	r.Post("/v1/collections/{id}/generation/retry", s.handleRetryGeneration)
	r.Post("/v1/generation/callback", s.handleGenerationCallback)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"store_mode":           s.info.StoreMode,
		"generator_mode":       s.info.GeneratorMode,
		"active_conversations": s.activeConversations(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.info.StoreMode,
	})
}

func (s *Server) activeConversations() int {
	if s.conversations == nil {
		return 0
	}
	return s.conversations.ActiveCount()
}

// handleChat streams one turn as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	req, err := protocol.DecodeTurnRequest(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, protocol.CodeValidation, err.Error())
		return
	}
	if userID := strings.TrimSpace(req.UserID); userID != "" && s.limiter != nil && !s.limiter.Allow(userID) {
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, please slow down")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := s.turnContext(r.Context())
	defer cancel()

	for e := range s.orchestrator.Turn(ctx, req) {
		if _, err := w.Write(protocol.Format(e)); err != nil {
			s.logger.Debug("sse write failed", zap.String("user_id", req.UserID), zap.Error(err))
			return
		}
		flusher.Flush()
		s.metrics.StreamFrame("sse", string(protocol.TypeOf(e)))
	}
}

func (s *Server) turnContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(parent, s.cfg.RequestTimeout)
	}
	return context.WithCancel(parent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

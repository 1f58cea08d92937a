// Package api exposes the release engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"dp-sidecar/internal/dp"
)

// Service is the part of the release engine the HTTP layer calls.
type Service interface {
	GetCount(ctx context.Context, itemID string) (*dp.CountResponse, error)
	GetBudget(ctx context.Context, itemID string) (*dp.LifetimeStats, error)
	Rate(ctx context.Context, itemID, userID string, rating int) (int, error)
	CurrentWindow(ctx context.Context) (*dp.Window, error)
}

// Options configures the router.
type Options struct {
	Logger         dp.Logger
	AllowedOrigins []string
	RequestTimeout time.Duration
	Metrics        http.Handler // optional; served at /metrics
}

// Handler serves the count, budget, rating and health endpoints.
type Handler struct {
	svc    Service
	logger dp.Logger
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(svc Service, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = dp.NewNopLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{svc: svc, logger: opts.Logger}
	h.RegisterRoutes(r)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	return r
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/api/counts/{itemID}", h.handleGetCount)
	r.Get("/api/budget/{itemID}", h.handleGetBudget)
	r.Post("/rate", h.handleRate)
}

type healthResponse struct {
	Status   string `json:"status"`
	WindowID *int64 `json:"window_id,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	win, err := h.svc.CurrentWindow(r.Context())
	if err != nil {
		h.internalError(w, r, "health check failed", err)
		return
	}
	resp := healthResponse{Status: "ok"}
	if win != nil {
		resp.WindowID = &win.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetCount(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	resp, err := h.svc.GetCount(r.Context(), itemID)
	if err != nil {
		h.internalError(w, r, "count query failed", err, "item_id", itemID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	stats, err := h.svc.GetBudget(r.Context(), itemID)
	if err != nil {
		h.internalError(w, r, "budget query failed", err, "item_id", itemID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type rateRequest struct {
	ItemID string `json:"item_id"`
	UserID string `json:"user_id"`
	Rating int    `json:"rating"`
}

type rateResponse struct {
	ItemID string `json:"item_id"`
	Rating int    `json:"rating"`
}

func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "item_id and user_id are required")
		return
	}

	rating, err := h.svc.Rate(r.Context(), req.ItemID, req.UserID, req.Rating)
	if err != nil {
		h.internalError(w, r, "recording rating failed", err, "item_id", req.ItemID)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{ItemID: req.ItemID, Rating: rating})
}

// internalError logs err and answers with a generic body; storage errors
// never reach the caller.
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error, args ...any) {
	args = append(args, "error", err, "request_id", middleware.GetReqID(r.Context()))
	h.logger.Error(msg, args...)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request through the application logger.
func requestLogger(logger dp.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"remote", r.RemoteAddr,
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Package api exposes the try-on pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/apperr"
	"github.com/HanTheDev/tryon-gateway/internal/generation"
	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/origin"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Bodies carry data URIs, so the cap is generous.
const maxBodyBytes = 20 << 20

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
	Status(ctx context.Context, apiKey, id string) (*models.Generation, error)
}

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type Handler struct {
	generator Generator
	debug     bool
	health    map[string]PingFunc
	logger    *zap.Logger
}

func NewHandler(generator Generator, debug bool, health map[string]PingFunc, logger *zap.Logger) *Handler {
	return &Handler{
		generator: generator,
		debug:     debug,
		health:    health,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.Use(h.observe)

	router.HandleFunc("/generate", h.Generate).Methods(http.MethodPost)
	router.HandleFunc("/generations/{id}", h.GetGeneration).Methods(http.MethodGet)
	router.HandleFunc("/generate", h.Preflight).Methods(http.MethodOptions)
	router.HandleFunc("/generations/{id}", h.Preflight).Methods(http.MethodOptions)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type generateRequest struct {
	APIKey      string   `json:"apiKey"`
	PersonImage string   `json:"personImage"`
	UserImage   string   `json:"userImage"`
	Garments    []string `json:"garments"`
}

type timing struct {
	TotalMs    int64 `json:"totalMs"`
	ProviderMs int64 `json:"providerMs"`
}

type generateResponse struct {
	ResultURL    string `json:"resultUrl,omitempty"`
	GenerationID string `json:"generationId,omitempty"`
	Status       string `json:"status"`
	Cached       bool   `json:"cached"`
	Timing       timing `json:"timing"`
}

func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	origin.SetCORSHeaders(w, r.Header.Get("Origin"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	origin.SetCORSHeaders(w, r.Header.Get("Origin"))

	var body generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, apperr.Validation("body", "request body must be a JSON object"), h.debug)
		return
	}

	person := body.PersonImage
	if person == "" {
		person = body.UserImage
	}
	apiKey := body.APIKey
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}

	res, err := h.generator.Generate(r.Context(), generation.Request{
		APIKey:      apiKey,
		Origin:      r.Header.Get("Origin"),
		PersonImage: person,
		Garments:    body.Garments,
	})
	if err != nil {
		h.logFailure(r, err)
		writeError(w, err, h.debug)
		return
	}

	resp := generateResponse{
		ResultURL:    res.ResultURL,
		GenerationID: res.GenerationID,
		Status:       string(res.Status),
		Cached:       res.Cached,
		Timing:       timing{TotalMs: res.TotalMs, ProviderMs: res.ProviderMs},
	}
	if res.Queued {
		w.Header().Set("Location", "/generations/"+res.GenerationID)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type generationResponse struct {
	GenerationID string     `json:"generationId"`
	Status       string     `json:"status"`
	ResultURL    *string    `json:"resultUrl,omitempty"`
	Error        *string    `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Timing       *timing    `json:"timing,omitempty"`
}

func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	origin.SetCORSHeaders(w, r.Header.Get("Origin"))

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("apiKey")
	}

	g, err := h.generator.Status(r.Context(), apiKey, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, h.debug)
		return
	}

	resp := generationResponse{
		GenerationID: g.ID,
		Status:       string(g.Status),
		ResultURL:    g.ResultURL,
		Error:        g.Error,
		Attempts:     g.Attempts,
		CreatedAt:    g.CreatedAt,
		CompletedAt:  g.CompletedAt,
	}
	if g.DurationMs != nil {
		resp.Timing = &timing{TotalMs: *g.DurationMs}
		if g.ProviderDuration != nil {
			resp.Timing.ProviderMs = *g.ProviderDuration
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.health))
	status := http.StatusOK
	for name, ping := range h.health {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}

func (h *Handler) logFailure(r *http.Request, err error) {
	kind := apperr.KindOf(err)
	fields := []zap.Field{
		zap.String("kind", kind.String()),
		zap.String("origin", r.Header.Get("Origin")),
		zap.Error(err),
	}
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error("generation request failed", fields...)
		return
	}
	h.logger.Info("generation request rejected", fields...)
}

// observe records access logs and request metrics keyed by route template.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, path, strconv.Itoa(recorder.statusCode), elapsed)

		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", recorder.statusCode),
			zap.Int("bytes", recorder.size),
			zap.Duration("elapsed", elapsed),
		)
	})
}

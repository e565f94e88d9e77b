// Package admin serves the operator API for tenants, usage metrics and
// retention. Routes are mounted behind auth.Middleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/auth"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/models"
	"github.com/HanTheDev/tryon-gateway/internal/origin"
	"github.com/HanTheDev/tryon-gateway/internal/ratelimit"
	"github.com/HanTheDev/tryon-gateway/internal/worker"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Store is the persistence the admin API needs. *db.DB implements it.
type Store interface {
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
	GetTenantByID(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenant(ctx context.Context, id string, update models.TenantUpdate) error
	SetAllowedOrigins(ctx context.Context, tenantID string, domains []string) error
	DeleteTenant(ctx context.Context, id string) error

	SummarizeMetrics(ctx context.Context, f models.MetricFilter) (*models.MetricSummary, error)
	AggregateMetrics(ctx context.Context, f models.MetricFilter, groupBy string) ([]*models.MetricBucket, error)
	GetCacheStats(ctx context.Context) (*db.CacheStats, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*worker.SweepResult, error)
}

type AdminHandler struct {
	store        Store
	sweeper      Sweeper
	defaultLimit int
	logger       *zap.Logger
}

func NewAdminHandler(store Store, sweeper Sweeper, defaultLimit int, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		store:        store,
		sweeper:      sweeper,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// RegisterRoutes mounts the admin API under /admin, wrapped by the given
// middleware.
func (h *AdminHandler) RegisterRoutes(router *mux.Router, middleware ...mux.MiddlewareFunc) {
	sub := router.PathPrefix("/admin").Subrouter()
	sub.Use(middleware...)

	// Tenant management
	sub.HandleFunc("/tenants", h.ListTenants).Methods(http.MethodGet)
	sub.HandleFunc("/tenants", h.CreateTenant).Methods(http.MethodPost)
	sub.HandleFunc("/tenants/{id}", h.GetTenant).Methods(http.MethodGet)
	sub.HandleFunc("/tenants/{id}", h.UpdateTenant).Methods(http.MethodPatch)
	sub.HandleFunc("/tenants/{id}", h.DeleteTenant).Methods(http.MethodDelete)
	sub.HandleFunc("/tenants/{id}/domains", h.SetDomains).Methods(http.MethodPut)

	// Analytics
	sub.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)
	sub.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)

	sub.HandleFunc("/sweep", h.Sweep).Methods(http.MethodPost)
}

type tenantResponse struct {
	*models.Tenant
	APIKey string `json:"api_key"`
}

// tenantView masks the key; only the create response carries it in full.
func tenantView(t *models.Tenant) tenantResponse {
	return tenantResponse{Tenant: t, APIKey: auth.MaskKey(t.APIKey)}
}

func validTier(tier string) bool {
	if tier == "standard" {
		return true
	}
	_, ok := ratelimit.Tiers[tier]
	return ok
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Email   string   `json:"email"`
		Limit   *int     `json:"limit"`
		Tier    string   `json:"tier"`
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Tier != "" && !validTier(req.Tier) {
		writeError(w, http.StatusBadRequest, "unknown tier "+req.Tier)
		return
	}
	domains, err := normalizeDomains(req.Domains)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := h.defaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("failed to generate api key", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	tenant := &models.Tenant{
		Name:           req.Name,
		Email:          strings.TrimSpace(req.Email),
		APIKey:         apiKey,
		Active:         true,
		Limit:          limit,
		Tier:           req.Tier,
		AllowedOrigins: domains,
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		h.logger.Error("failed to create tenant", zap.String("name", tenant.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	h.logger.Info("tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("api_key", auth.MaskKey(apiKey)),
		zap.Int("limit", tenant.Limit),
	)
	writeJSON(w, http.StatusCreated, tenant)
}

func (h *AdminHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	tenant, err := h.store.GetTenantByID(r.Context(), id)
	if err != nil {
		h.storeError(w, "get tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, tenantView(tenant))
}

// UpdateTenant applies a partial update of active, limit and tier. The API
// key cannot be changed.
func (h *AdminHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}

	var update models.TenantUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "only active, limit and tier can be updated")
		return
	}
	if update.Active == nil && update.Limit == nil && update.Tier == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if update.Tier != nil && !validTier(*update.Tier) {
		writeError(w, http.StatusBadRequest, "unknown tier "+*update.Tier)
		return
	}

	if err := h.store.UpdateTenant(r.Context(), id, update); err != nil {
		h.storeError(w, "update tenant", err)
		return
	}
	h.logger.Info("tenant updated", zap.String("tenant_id", id))

	tenant, err := h.store.GetTenantByID(r.Context(), id)
	if err != nil {
		h.storeError(w, "get tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, tenantView(tenant))
}

func (h *AdminHandler) SetDomains(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}

	var req struct {
		Domains []string `json:"domains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	domains, err := normalizeDomains(req.Domains)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SetAllowedOrigins(r.Context(), id, domains); err != nil {
		h.storeError(w, "set domains", err)
		return
	}
	h.logger.Info("allowed domains replaced", zap.String("tenant_id", id), zap.Strings("domains", domains))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "domains": domains})
}

func (h *AdminHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteTenant(r.Context(), id); err != nil {
		h.storeError(w, "delete tenant", err)
		return
	}
	h.logger.Info("tenant deleted", zap.String("tenant_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// GetMetrics returns a summary, or buckets when groupBy is day, week,
// month or tenant. from and to accept RFC 3339 or YYYY-MM-DD.
func (h *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.MetricFilter{
		TenantID: q.Get("tenantId"),
		Type:     q.Get("type"),
	}

	if filter.TenantID != "" {
		if _, err := uuid.Parse(filter.TenantID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid tenantId")
			return
		}
	}

	var err error
	if filter.From, err = parseTime(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}

	groupBy := q.Get("groupBy")
	if groupBy == "" {
		summary, err := h.store.SummarizeMetrics(r.Context(), filter)
		if err != nil {
			h.logger.Error("failed to summarize metrics", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to get metrics")
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	switch groupBy {
	case "day", "week", "month", "tenant":
	default:
		writeError(w, http.StatusBadRequest, "groupBy must be day, week, month or tenant")
		return
	}
	buckets, err := h.store.AggregateMetrics(r.Context(), filter, groupBy)
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.String("group_by", groupBy), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groupBy": groupBy, "buckets": buckets})
}

func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetCacheStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get cache stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// tenantID reads the {id} route variable. Ids that are not uuids cannot
// exist, so they are answered with 404 here.
func tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "tenant not found")
		return "", false
	}
	return id, true
}

func (h *AdminHandler) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	h.logger.Error("admin store failure", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

// normalizeDomains stores "https://Shop.com:443" as "shop.com".
func normalizeDomains(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		host := origin.Normalize(raw)
		if host == "" || strings.ContainsAny(host, "/ ") {
			return nil, errors.New("invalid domain " + raw)
		}
		if !seen[host] {
			seen[host] = true
			out = append(out, host)
		}
	}
	return out, nil
}

func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": msg})
}

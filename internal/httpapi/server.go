package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/partsync/internal/contentassist"
	"github.com/agentworkforce/partsync/internal/errx"
	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/prefs"
	"github.com/agentworkforce/partsync/internal/reconcile"
)

// Engine is the reconciliation surface the API drives.
type Engine interface {
	Snapshot() reconcile.Snapshot
	Status() reconcile.Status
	Sell(id string, price float64) error
	DeleteItem(id string) error
	ReturnItem(id string) error
	AddItems(items []inventory.Item) ([]inventory.Item, error)
	Resync(ctx context.Context, force bool) (bool, error)
	Subscribe() (<-chan reconcile.Change, func())
	PendingActions() []reconcile.LogEntry
}

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AssistTimeout   time.Duration
	RefreshTimeout  time.Duration
	// AllowedOrigins are websocket origin patterns; empty allows same-origin only.
	AllowedOrigins []string
}

type Deps struct {
	Engine    Engine
	Sessions  Verifier
	Assistant contentassist.Assistant
	Prefs     prefs.Store
	Catalog   func() *inventory.Catalog
	Logger    *zerolog.Logger
}

type Server struct {
	engine      Engine
	sessions    Verifier
	assistant   contentassist.Assistant
	prefs       prefs.Store
	catalog     func() *inventory.Catalog
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		// Analyze requests carry base64 photos.
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.AssistTimeout <= 0 {
		cfg.AssistTimeout = 60 * time.Second
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	if deps.Assistant == nil {
		deps.Assistant = contentassist.Disabled{}
	}
	if deps.Prefs == nil {
		deps.Prefs = prefs.NewMemoryStore()
	}
	if deps.Catalog == nil {
		catalog := inventory.AutoPartsCatalog()
		deps.Catalog = func() *inventory.Catalog { return catalog }
	}
	logger := logx.Component("httpapi")
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("component", "httpapi").Logger()
	}
	return &Server{
		engine:      deps.Engine,
		sessions:    deps.Sessions,
		assistant:   deps.Assistant,
		prefs:       deps.Prefs,
		catalog:     deps.Catalog,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      &logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"connectivity": s.engine.Status().Connectivity,
		})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "inventory" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "list_inventory"
	case len(parts) == 2 && parts[1] == "inventory" && r.Method == http.MethodPost:
		requiredScope = scopeInventoryWrite
		route = "add_items"
	case len(parts) == 4 && parts[1] == "inventory" && parts[3] == "sell" && r.Method == http.MethodPost:
		requiredScope = scopeInventoryWrite
		route = "sell"
	case len(parts) == 3 && parts[1] == "inventory" && r.Method == http.MethodDelete:
		requiredScope = scopeInventoryWrite
		route = "delete"
	case len(parts) == 2 && parts[1] == "sales" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "list_sales"
	case len(parts) == 4 && parts[1] == "sales" && parts[3] == "return" && r.Method == http.MethodPost:
		requiredScope = scopeInventoryWrite
		route = "return"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "pending" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "sync_pending"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeSyncTrigger
		route = "sync_refresh"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "events"
	case len(parts) == 3 && parts[1] == "assist" && r.Method == http.MethodPost:
		requiredScope = scopeAssistUse
		route = "assist_" + parts[2]
	case len(parts) == 3 && parts[1] == "prefs" && parts[2] == "view-mode" && r.Method == http.MethodGet:
		requiredScope = scopeInventoryRead
		route = "get_view_mode"
	case len(parts) == 3 && parts[1] == "prefs" && parts[2] == "view-mode" && r.Method == http.MethodPut:
		requiredScope = scopeInventoryRead
		route = "put_view_mode"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	sess, authErr := authorizeBearer(r, s.sessions, requiredScope)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := sess.TenantID + "|" + sess.UserID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_inventory":
		s.handleListInventory(w, r)
	case "add_items":
		s.handleAddItems(w, r, correlationID)
	case "sell":
		s.handleSell(w, r, parts[2], correlationID)
	case "delete":
		s.handleDelete(w, parts[2], correlationID)
	case "list_sales":
		s.handleListSales(w, r)
	case "return":
		s.handleReturn(w, parts[2], correlationID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "sync_pending":
		s.handleSyncPending(w)
	case "sync_refresh":
		s.handleSyncRefresh(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, sess)
	case "assist_analyze":
		s.handleAnalyze(w, r, sess, correlationID)
	case "assist_pricing", "assist_strategy", "assist_ad-copy":
		s.handleAssistText(w, r, strings.TrimPrefix(route, "assist_"), correlationID)
	case "get_view_mode":
		s.handleGetViewMode(w, r, sess, correlationID)
	case "put_view_mode":
		s.handlePutViewMode(w, r, sess, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody treats an empty body as an empty object.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// writeAppError maps domain errors onto HTTP statuses through errx.
func (s *Server) writeAppError(w http.ResponseWriter, err error, correlationID string) {
	var appErr *errx.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, reconcile.ErrItemNotFound):
		appErr = errx.NotFound(err, "item not found")
	case errors.Is(err, inventory.ErrInvalidInput),
		errors.Is(err, prefs.ErrInvalidViewMode),
		errors.Is(err, contentassist.ErrNoImages):
		appErr = errx.BadRequest(err, err.Error())
	case errors.Is(err, contentassist.ErrUnavailable), errors.Is(err, reconcile.ErrClosed):
		appErr = errx.New(err, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		appErr = errx.New(err, http.StatusGatewayTimeout, "timeout", "upstream timed out")
	default:
		appErr = errx.From(err)
	}
	if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Int("status", appErr.Status).Msg("request failed")
	}
	writeError(w, appErr.Status, appErr.Code, appErr.Message, correlationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

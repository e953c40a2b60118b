package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/prune"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

const (
	scopeDialogsAnswer = "dialogs:answer"
	scopeRunsTrigger   = "runs:trigger"
)

type ServerConfig struct {
	JWTSecret        string
	Audience         string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	WSOriginPatterns []string
}

// Runs is the slice of prune.Service the server drives.
type Runs interface {
	TriggerAsync(sel recordstore.Selection) error
	LastReport() (*prune.Report, error)
	Busy() bool
}

type Deps struct {
	Broker   *dialog.Broker
	Previews prune.PreviewStore
	Runs     Runs
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	metrics     http.Handler
	rateLimiter *rateLimiter
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
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{deps: deps, cfg: cfg, rateLimiter: limiter}
	if deps.Gatherer != nil {
		s.metrics = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		status := map[string]any{"status": "ok"}
		if s.deps.Runs != nil {
			status["busy"] = s.deps.Runs.Busy()
		}
		writeJSON(w, http.StatusOK, status)
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "dialogs" && r.Method == http.MethodGet {
		s.handleDialogPage(w, r, parts[1])
		return
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "dialogs" && r.Method == http.MethodGet:
		requiredScope = scopeDialogsAnswer
		route = "dialogs_list"
	case len(parts) == 3 && parts[1] == "dialogs" && parts[2] == "ws" && r.Method == http.MethodGet:
		requiredScope = scopeDialogsAnswer
		route = "dialogs_ws"
	case len(parts) == 3 && parts[1] == "dialogs" && r.Method == http.MethodGet:
		requiredScope = scopeDialogsAnswer
		route = "dialog"
	case len(parts) == 4 && parts[1] == "dialogs" && parts[3] == "result" && r.Method == http.MethodPost:
		requiredScope = scopeDialogsAnswer
		route = "dialog_result"
	case len(parts) == 2 && parts[1] == "runs" && r.Method == http.MethodPost:
		requiredScope = scopeRunsTrigger
		route = "runs_trigger"
	case len(parts) == 3 && parts[1] == "runs" && parts[2] == "last" && r.Method == http.MethodGet:
		requiredScope = scopeRunsTrigger
		route = "runs_last"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(bearerFrom(r), s.cfg.JWTSecret, s.cfg.Audience, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = prune.NewKey("req")
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
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
	case "dialogs_list":
		s.handleDialogs(w, correlationID)
	case "dialogs_ws":
		s.handleDialogStream(w, r)
	case "dialog":
		s.handleDialog(w, r, parts[2], correlationID)
	case "dialog_result":
		s.handleDialogResult(w, r, parts[2], claims.Subject, correlationID)
	case "runs_trigger":
		s.handleTriggerRun(w, r, correlationID)
	case "runs_last":
		s.handleLastRun(w, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleDialogs(w http.ResponseWriter, correlationID string) {
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dialogs are not served here", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dialogs": s.deps.Broker.Pending()})
}

type dialogDetail struct {
	Dialog  dialog.Dialog  `json:"dialog"`
	Preview *prune.Preview `json:"preview,omitempty"`
}

func (s *Server) lookupDialog(ctx context.Context, key string) (dialogDetail, bool) {
	if s.deps.Broker == nil {
		return dialogDetail{}, false
	}
	d, ok := s.deps.Broker.Get(key)
	if !ok {
		return dialogDetail{}, false
	}
	detail := dialogDetail{Dialog: d}
	if d.Kind == dialog.KindConfirm && s.deps.Previews != nil {
		p, err := s.deps.Previews.Get(ctx, key)
		if err == nil {
			detail.Preview = &p
		} else {
			s.deps.Logger.Debug("preview lookup failed", "key", key, "error", err)
		}
	}
	return detail, true
}

func (s *Server) handleDialog(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	detail, ok := s.lookupDialog(r.Context(), key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "dialog not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type resultRequest struct {
	OK *bool `json:"ok"`
}

func (s *Server) handleDialogResult(w http.ResponseWriter, r *http.Request, key, subject, correlationID string) {
	var req resultRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.OK == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "ok is required", correlationID)
		return
	}
	if s.deps.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "dialogs are not served here", correlationID)
		return
	}
	if err := s.deps.Broker.Answer(key, *req.OK); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	s.deps.Logger.Info("dialog answered", "key", key, "ok", *req.OK, "by", subject)
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "ok": *req.OK})
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "runs are not served here", correlationID)
		return
	}
	var sel recordstore.Selection
	if !s.decodeJSONBody(w, r, correlationID, &sel) {
		return
	}
	if !sel.All && len(sel.IDs) == 0 && sel.Folder == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "empty selection", correlationID)
		return
	}
	err := s.deps.Runs.TriggerAsync(sel)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "correlationId": correlationID})
	case errors.Is(err, prune.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err.Error(), correlationID)
	case errors.Is(err, prune.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "not_running", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleLastRun(w http.ResponseWriter, correlationID string) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "runs are not served here", correlationID)
		return
	}
	report, err := s.deps.Runs.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "not_found", "no run has finished yet", correlationID)
		return
	}
	resp := map[string]any{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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

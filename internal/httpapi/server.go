package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type ServerConfig struct {
	JWTSecret          string
	JWTAudience        string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	MaxFrameBytes      int64
	// IdleTimeout closes a socket that sends nothing for this long.
	// Zero uses the presence staleness window.
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Logger         *zerolog.Logger
	Now            func() time.Time
}

type Server struct {
	hub                *collab.Hub
	cfg                ServerConfig
	logger             zerolog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
	newConnectionID    func() string
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

func NewServer(hub *collab.Hub) *Server {
	return NewServerWithConfig(hub, ServerConfig{})
}

func NewServerWithConfig(hub *collab.Hub, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "relaysync"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = cfg.MaxBodyBytes + 64<<10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = hub.Presence().StalenessWindow()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		hub:                hub,
		cfg:                cfg,
		logger:             logger.With().Str("component", "http").Logger(),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
		newConnectionID:    func() string { return ulid.Make().String() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/ws" && r.Method == http.MethodGet {
		s.handleSocket(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/changes" && r.Method == http.MethodPost {
		s.handleInternalChange(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/stats" && r.Method == http.MethodGet {
		s.handleAdminStats(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "workspaces" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	workspaceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet:
		requiredScope = scopePresenceRead
		route = "presence"
	case len(parts) == 5 && parts[3] == "documents" && parts[4] != "" && r.Method == http.MethodGet:
		requiredScope = scopeDocumentsRead
		route = "load_document"
	case len(parts) == 5 && parts[3] == "documents" && parts[4] != "" && r.Method == http.MethodPut:
		requiredScope = scopeDocumentsWrite
		route = "save_document"
	case len(parts) == 6 && parts[3] == "documents" && parts[4] != "" && parts[5] == "export" && r.Method == http.MethodGet:
		requiredScope = scopeDocumentsRead
		route = "export_document"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.JWTAudience, requiredScope, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := workspaceID + "|" + claims.UserID
		if !s.rateLimiter.allow(key, s.cfg.Now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	if err := s.hub.Authorize(r.Context(), workspaceID, claims.UserID); err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}

	switch route {
	case "presence":
		s.handlePresence(w, workspaceID)
	case "load_document":
		s.handleLoadDocument(w, r, workspaceID, parts[4], correlationID)
	case "save_document":
		s.handleSaveDocument(w, r, workspaceID, parts[4], claims.UserID, correlationID)
	case "export_document":
		s.handleExportDocument(w, r, workspaceID, parts[4], correlationID)
	}
}

// handleInternalChange is the hook CRUD handlers call after committing a
// mutation.
func (s *Server) handleInternalChange(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.cfg.Now()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Relay-Timestamp"),
		r.Header.Get("X-Relay-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Relay-Timestamp"), r.Header.Get("X-Relay-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var event collab.ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	report, err := s.hub.Publish(r.Context(), event.WorkspaceID, event)
	if err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}
	s.logger.Info().
		Str("correlation", correlationID).
		Str("workspace", event.WorkspaceID).
		Str("topic", event.Topic()).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Msg("change hook")
	writeJSON(w, http.StatusAccepted, report)
}

type adminStats struct {
	Connections int                   `json:"connections"`
	Broadcast   collab.BroadcastStats `json:"broadcast"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.JWTAudience, scopeAdminRead, s.cfg.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, adminStats{
		Connections: s.hub.Registry().Len(),
		Broadcast:   s.hub.Broadcaster().Stats(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, workspaceID string) {
	writeJSON(w, http.StatusOK, collab.MembersSnapshot{
		WorkspaceID: workspaceID,
		UserIDs:     s.hub.Presence().SnapshotOnline(workspaceID),
	})
}

func (s *Server) handleLoadDocument(w http.ResponseWriter, r *http.Request, workspaceID, resourceID, correlationID string) {
	doc, err := s.hub.LoadDocument(r.Context(), workspaceID, resourceID)
	if err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", formatVersionETag(doc.Version))
	writeJSON(w, http.StatusOK, doc)
}

// handleSaveDocument stores the request body as the new workbook. An
// If-Match header carrying the version turns on the stale-write check.
func (s *Server) handleSaveDocument(w http.ResponseWriter, r *http.Request, workspaceID, resourceID, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	req := collab.SaveRequest{ResourceID: resourceID, Body: body, WriterID: userID}
	if ifMatch := normalizeIfMatchHeader(r.Header.Get("If-Match")); ifMatch != "" && ifMatch != "*" {
		version, err := strconv.ParseInt(ifMatch, 10, 64)
		if err != nil || version < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a document version", correlationID)
			return
		}
		req.ExpectedVersion = &version
	}
	doc, err := s.hub.SaveDocument(r.Context(), workspaceID, "", req)
	if err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", formatVersionETag(doc.Version))
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleExportDocument(w http.ResponseWriter, r *http.Request, workspaceID, resourceID, correlationID string) {
	format, err := collab.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}
	result, err := s.hub.ExportDocument(r.Context(), workspaceID, resourceID, format, r.URL.Query().Get("sheet"))
	if err != nil {
		s.writeCollabError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.Header().Set("ETag", formatVersionETag(result.Version))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *Server) writeCollabError(w http.ResponseWriter, err error, correlationID string) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("correlation", correlationID).Msg("request failed")
	}
	var conflict *collab.VersionConflictError
	if errors.As(err, &conflict) && conflict.CurrentVersion > 0 {
		w.Header().Set("ETag", formatVersionETag(conflict.CurrentVersion))
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, collab.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, collab.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, collab.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, collab.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, collab.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, collab.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func formatVersionETag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}

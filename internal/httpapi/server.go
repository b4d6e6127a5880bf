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

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yuhanchang/no-look-note-taker/internal/notepipe"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

// Server exposes the pipeline's outer surface: the storage-finalize
// webhook feeding the dispatcher, the per-user note read API, the
// websocket note feed, and an operator status endpoint.
type Server struct {
	dispatcher  *notepipe.Dispatcher
	ledger      notepipe.Ledger
	hub         *Hub
	cfg         ServerConfig
	log         zerolog.Logger
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

func NewServer(dispatcher *notepipe.Dispatcher, ledger notepipe.Ledger, hub *Hub, log zerolog.Logger) *Server {
	return NewServerWithConfig(dispatcher, ledger, hub, log, ServerConfig{})
}

func NewServerWithConfig(dispatcher *notepipe.Dispatcher, ledger notepipe.Ledger, hub *Hub, log zerolog.Logger, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
		cfg.MaxBodyBytes = 1 << 20
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
		dispatcher:  dispatcher,
		ledger:      ledger,
		hub:         hub,
		cfg:         cfg,
		log:         log,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/internal/storage-events" && r.Method == http.MethodPost {
		s.handleStorageEvent(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/pipeline" && r.Method == http.MethodGet {
		s.handlePipelineStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" || parts[3] != "notes" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		requiredScope = "notes:read"
		route = "list_notes"
	case len(parts) == 5 && parts[4] == "ws" && r.Method == http.MethodGet:
		requiredScope = "notes:read"
		route = "note_feed"
	case len(parts) == 5 && r.Method == http.MethodGet:
		requiredScope = "notes:read"
		route = "get_note"
	case len(parts) == 5 && r.Method == http.MethodDelete:
		requiredScope = "notes:write"
		route = "delete_note"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
	}

	switch route {
	case "list_notes":
		s.handleListNotes(w, r, userID)
	case "get_note":
		s.handleGetNote(w, r, userID, parts[4])
	case "delete_note":
		s.handleDeleteNote(w, r, userID, parts[4])
	case "note_feed":
		s.handleNoteFeed(w, r, userID)
	}
}

// handleStorageEvent accepts a storage-finalize push. Every event with
// an object name is queued; the pipeline itself decides applicability,
// so a non-recording object is accepted here and skipped there.
func (s *Server) handleStorageEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read body", getCorrelationID(r))
		return
	}
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Internal-Timestamp"),
		r.Header.Get("X-Internal-Signature"),
		body, time.Now().UTC(), s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	var event notepipe.StorageEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event payload", getCorrelationID(r))
		return
	}
	if strings.TrimSpace(event.Name) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "event name is required", getCorrelationID(r))
		return
	}
	if event.CorrelationID == "" {
		event.CorrelationID = getCorrelationID(r)
	}
	if !s.dispatcher.Submit(event) {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event queue rejected the event", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  true,
		"eventId": event.EventID,
	})
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Internal-Timestamp"),
		r.Header.Get("X-Internal-Signature"),
		nil, time.Now().UTC(), s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Status())
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, userID string) {
	notes, err := s.ledger.List(r.Context(), userID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request, userID, noteID string) {
	note, err := s.ledger.Get(r.Context(), userID, noteID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// handleDeleteNote removes the whole note document. This is the only
// client-side mutation; it may race an in-flight pipeline run, in
// which case a later merge-write recreates the document (accepted,
// last write wins).
func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request, userID, noteID string) {
	if err := s.ledger.Delete(r.Context(), userID, noteID); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if s.hub != nil {
		s.hub.NoteDeleted(userID, noteID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNoteFeed(w http.ResponseWriter, r *http.Request, userID string) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "note feed is disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}

	events, cancel := s.hub.Subscribe(userID)
	defer cancel()

	// CloseRead surfaces the client hanging up as context cancellation.
	ctx := conn.CloseRead(r.Context())
	err = pump(ctx, events, func(envelope noteEnvelope) error {
		return wsjson.Write(ctx, conn, envelope)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Str("owner", userID).Msg("note feed closed")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, notepipe.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "note not found", getCorrelationID(r))
	case errors.Is(err, notepipe.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid note reference", getCorrelationID(r))
	default:
		s.log.Error().Err(err).Msg("ledger error")
		writeError(w, http.StatusInternalServerError, "internal", "ledger unavailable", getCorrelationID(r))
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

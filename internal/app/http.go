package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tapestry/api/internal/livequery"
	"tapestry/api/internal/observability"
	"tapestry/api/internal/ratelimit"
	"tapestry/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	live       *livequery.Cache
	limiter    *ratelimit.Limiter
	corsOrigin string
}

// NewHTTPServer wires the HTTP surface. limiter may be nil, which leaves the
// search endpoint unthrottled.
func NewHTTPServer(service *Service, live *livequery.Cache, limiter *ratelimit.Limiter, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		live:       live,
		limiter:    limiter,
		corsOrigin: corsOrigin,
	}
}

// Handler mounts the API. Metrics and the live websocket sit outside the
// JSON middleware: the one serves text, the other hijacks the connection.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/live", s.handleLive)
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// Ingest routes, only for the bot.
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "sync" {
		if !s.requireSyncToken(w, r) {
			return
		}

		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "servers" {
			var body SyncServerInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SyncServer(r.Context(), body)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 && parts[2] == "servers" {
			payload, err := s.service.RemoveServer(r.Context(), parts[3])
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "channels" {
			var body SyncChannelsInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SyncChannels(r.Context(), body)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "messages" {
			var body SyncMessagesInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SyncMessages(r.Context(), body)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 && parts[2] == "messages" {
			payload, err := s.service.DeleteMessageByDiscordID(r.Context(), parts[3])
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 5 && parts[2] == "attachments" && parts[4] == "blob" {
			defer r.Body.Close()
			payload, err := s.service.SyncAttachmentBlob(r.Context(), parts[3], r.Header.Get("Content-Type"), r.ContentLength, r.Body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}

		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Manage routes, only for the dashboard backend.
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "manage" {
		if !s.requireSyncToken(w, r) {
			return
		}

		if r.Method == http.MethodPut && len(parts) == 5 && parts[2] == "servers" && parts[4] == "preferences" {
			var body PreferencesInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateServerPreferences(r.Context(), parts[3], body)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodGet && len(parts) == 7 && parts[2] == "servers" && parts[4] == "users" && parts[6] == "consent" {
			payload, err := s.service.UserConsent(r.Context(), parts[3], parts[5])
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodPut && len(parts) == 7 && parts[2] == "servers" && parts[4] == "users" && parts[6] == "consent" {
			var body ConsentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateUserConsent(r.Context(), parts[3], parts[5], body)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "servers" && parts[4] == "dashboard" {
			payload, err := s.service.ServerDashboard(r.Context(), parts[3])
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "ignored-accounts" {
			var body struct {
				UserID string `json:"userId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.IgnoreAccount(r.Context(), body.UserID)
			s.respond(w, payload, err)
			return
		}

		if r.Method == http.MethodDelete && len(parts) == 4 && parts[2] == "ignored-accounts" {
			payload, err := s.service.UnignoreAccount(r.Context(), parts[3])
			s.respond(w, payload, err)
			return
		}

		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if s.limiter != nil && !s.limiter.Allow(r.Context(), clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
		query := r.URL.Query()
		payload, err := s.service.Search(r.Context(), SearchInput{
			Text:            query.Get("q"),
			Type:            query.Get("type"),
			ServerDiscordID: query.Get("server"),
			ChannelID:       query.Get("channel"),
			Page:            intQuery(r, "page"),
			Limit:           intQuery(r, "limit"),
		})
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "servers" {
		payload, err := s.service.ServerByDiscordID(r.Context(), parts[2])
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "servers" && parts[3] == "channels" {
		payload, err := s.service.ServerChannels(r.Context(), parts[2])
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "channels" && parts[3] == "threads" {
		payload, err := s.service.RecentThreads(r.Context(), parts[2], intQuery(r, "limit"))
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "channels" && parts[3] == "messages" {
		payload, err := s.service.ChannelMessages(r.Context(), parts[2], r.URL.Query().Get("before"), intQuery(r, "limit"))
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "messages" {
		payload, err := s.service.MessagePage(r.Context(), parts[2])
		s.respond(w, payload, err)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "attachments" {
		url, err := s.service.AttachmentRedirectURL(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Location", url)
		w.WriteHeader(http.StatusFound)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// respond writes a service result using the shared error mapping.
func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSyncToken(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("x-tapestry-sync-token"))
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.service.SyncToken())) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		observability.ObserveHTTPRequest(r.Method, routeLabel(r.URL.Path), writer.status, duration)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			duration.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Tapestry-Sync-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// routeLabel collapses path segments that carry ids, keeping the metrics
// route label cardinality bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	for i, part := range parts {
		if _, ok := routeWords[part]; !ok {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

var routeWords = map[string]struct{}{
	"api": {}, "health": {}, "ready": {}, "live": {}, "metrics": {},
	"sync": {}, "manage": {}, "search": {},
	"servers": {}, "channels": {}, "messages": {}, "attachments": {},
	"threads": {}, "blob": {}, "preferences": {}, "users": {},
	"consent": {}, "dashboard": {}, "ignored-accounts": {},
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intQuery(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if i := strings.IndexByte(forwarded, ','); i >= 0 {
			forwarded = forwarded[:i]
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrIgnoredAccount) {
		return http.StatusConflict, "ACCOUNT_IGNORED", "Account data was erased on request", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tapestry/api/internal/ratelimit"
	"tapestry/api/internal/store"
)

func newTestHTTPServer(fs *fakeStore, fi *fakeIndex) *HTTPServer {
	return NewHTTPServer(newTestService(fs, fi), nil, nil, "*")
}

func doRequest(t *testing.T, server *HTTPServer, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != true {
		t.Fatalf("expected ok true, got %v", payload)
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload["status"])
	}

	server = newTestHTTPServer(&fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}, &fakeIndex{})

	rr = doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload = decodeResponse(t, rr)
	if payload["ok"] != false || payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload)
	}
	checks := payload["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("expected a database error check, got %v", database)
	}
}

func TestProtectedRoutesRequireSyncToken(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/sync/servers"},
		{http.MethodPost, "/api/sync/messages"},
		{http.MethodDelete, "/api/sync/messages/1001"},
		{http.MethodPut, "/api/manage/servers/srv_1/preferences"},
		{http.MethodGet, "/api/manage/servers/srv_1/dashboard"},
		{http.MethodPost, "/api/manage/ignored-accounts"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req := httptest.NewRequest(route.method, route.path, nil)
			rr := doRequest(t, server, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
			}
			if payload := decodeResponse(t, rr); payload["code"] != "UNAUTHORIZED" {
				t.Fatalf("expected UNAUTHORIZED, got %v", payload["code"])
			}

			req = httptest.NewRequest(route.method, route.path, nil)
			req.Header.Set("X-Tapestry-Sync-Token", "wrong-token")
			rr = doRequest(t, server, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401 for a bad token, got %d", rr.Code)
			}
		})
	}
}

func TestSyncServerOverHTTP(t *testing.T) {
	fs := &fakeStore{
		upsertServerFn: func(_ context.Context, server store.Server) (store.Server, error) {
			server.ID = "srv_1"
			return server, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	body := strings.NewReader(`{"discordId":"987654321","name":"Gopher Hideout"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/servers", body)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")

	rr := doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	serverPayload := payload["server"].(map[string]any)
	if serverPayload["discordId"] != "987654321" || serverPayload["name"] != "Gopher Hideout" {
		t.Fatalf("unexpected server payload: %v", serverPayload)
	}
}

func TestSyncServerRejectsInvalidBody(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	req := httptest.NewRequest(http.MethodPost, "/api/sync/servers", strings.NewReader(`{not json`))
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")

	rr := doRequest(t, server, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", payload["code"])
	}
}

func TestMessagePageAnonymizesOverTheWire(t *testing.T) {
	fs := &fakeStore{
		getMessageByDiscordIDFn: func(_ context.Context, discordID string) (store.Message, error) {
			return store.Message{ID: "msg_1", DiscordID: discordID, ChannelID: "ch_1", ServerID: "srv_1", AuthorID: "u-hidden", Content: "my secret"}, nil
		},
		getChannelFn: func(_ context.Context, id string) (store.Channel, error) {
			return store.Channel{ID: id, DiscordID: "100", ServerID: "srv_1", Name: "general", Type: "text", IndexingEnabled: true}, nil
		},
		getServerFn: func(_ context.Context, id string) (store.Server, error) {
			return store.Server{ID: id, DiscordID: "987654321", Name: "Gopher Hideout"}, nil
		},
		getDiscordAccountsByIDsFn: func(_ context.Context, _ []string) ([]store.DiscordAccount, error) {
			return []store.DiscordAccount{{ID: "u-hidden", Name: "Real Name", Avatar: strPtr("https://cdn.example/a.png")}}, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/messages/1001", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// The raw JSON must not leak what the API was supposed to hide.
	raw := rr.Body.String()
	if strings.Contains(raw, "my secret") || strings.Contains(raw, "Real Name") || strings.Contains(raw, "u-hidden") {
		t.Fatalf("private data leaked over the wire: %s", raw)
	}

	payload := decodeResponse(t, rr)
	message := payload["message"].(map[string]any)
	if message["public"] != false || message["content"] != "" {
		t.Fatalf("expected a redacted message, got %v", message)
	}
	author := message["author"].(map[string]any)
	if _, leaked := author["id"]; leaked {
		t.Fatalf("expected no author id on the wire, got %v", author)
	}
	if name := author["name"].(string); !strings.HasSuffix(name, " User") {
		t.Fatalf("expected a pseudonym, got %q", name)
	}
}

func TestOptionsRequestsShortCircuit(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodOptions, "/api/servers/987654321", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS origin *, got %q", origin)
	}
	if methods := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "PUT") {
		t.Fatalf("expected allowed methods, got %q", methods)
	}
}

func TestUnknownRoutesReturnNotFound(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	paths := []string{"/api/nope", "/api/servers/987654321/nope", "/entirely/elsewhere"}
	for _, path := range paths {
		rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404 for %s, got %d", path, rr.Code)
		}
		if payload := decodeResponse(t, rr); payload["code"] != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND for %s, got %v", path, payload["code"])
		}
	}
}

func TestMissingServerReturnsNotFound(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/servers/404404", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAttachmentRedirect(t *testing.T) {
	fs := &fakeStore{
		getAttachmentFn: func(_ context.Context, id string) (store.Attachment, error) {
			return store.Attachment{ID: id, MessageID: "msg_1", Filename: "pic.png", URL: "https://cdn.example/pic.png"}, nil
		},
		listMessagesByIDsFn: func(_ context.Context, _ []string) ([]store.Message, error) {
			return []store.Message{{ID: "msg_1", ChannelID: "ch_1", ServerID: "srv_1", AuthorID: "u1"}}, nil
		},
		getServerPreferencesFn: func(_ context.Context, _ string) (*store.ServerPreferences, error) {
			return &store.ServerPreferences{ServerID: "srv_1", ConsiderAllMessagesPublic: boolPtr(true)}, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/attachments/att_1", nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d body=%s", rr.Code, rr.Body.String())
	}
	if location := rr.Header().Get("Location"); location != "https://cdn.example/pic.png" {
		t.Fatalf("expected the CDN location, got %q", location)
	}
}

func TestAttachmentRedirectHidesPrivateMessagesOverHTTP(t *testing.T) {
	fs := &fakeStore{
		getAttachmentFn: func(_ context.Context, id string) (store.Attachment, error) {
			return store.Attachment{ID: id, MessageID: "msg_1", Filename: "pic.png", URL: "https://cdn.example/pic.png"}, nil
		},
		listMessagesByIDsFn: func(_ context.Context, _ []string) ([]store.Message, error) {
			return []store.Message{{ID: "msg_1", ChannelID: "ch_1", ServerID: "srv_1", AuthorID: "u-silent"}}, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/attachments/att_1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSearchValidationOverHTTP(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/search", nil))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestSearchRateLimitOverHTTP(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := ratelimit.NewLimiter(client, 1, time.Minute)
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeIndex{}), nil, limiter, "*")

	rr := doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/search?q=gopher", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected the first search to pass, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/search?q=gopher", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["code"] != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED, got %v", payload["code"])
	}
}

func TestUserConsentRoutes(t *testing.T) {
	fs := &fakeStore{
		getServerFn: func(_ context.Context, id string) (store.Server, error) {
			return store.Server{ID: id, DiscordID: "987654321"}, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	req := httptest.NewRequest(http.MethodGet, "/api/manage/servers/srv_1/users/u1/consent", nil)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")
	rr := doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["ignored"] != false {
		t.Fatalf("expected ignored false, got %v", payload)
	}
	settings := payload["settings"].(map[string]any)
	if settings["userId"] != "u1" || settings["canPubliclyDisplayMessages"] != nil {
		t.Fatalf("expected default settings, got %v", settings)
	}

	body := strings.NewReader(`{"canPubliclyDisplayMessages":true}`)
	req = httptest.NewRequest(http.MethodPut, "/api/manage/servers/srv_1/users/u1/consent", body)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")
	rr = doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	settings = decodeResponse(t, rr)["settings"].(map[string]any)
	if settings["canPubliclyDisplayMessages"] != true {
		t.Fatalf("expected consent recorded, got %v", settings)
	}
}

func TestConsentUpdateConflictsForErasedAccounts(t *testing.T) {
	fs := &fakeStore{
		getServerFn: func(_ context.Context, id string) (store.Server, error) {
			return store.Server{ID: id, DiscordID: "987654321"}, nil
		},
		upsertUserServerSettingsFn: func(context.Context, string, string, *bool, *bool) (store.UserServerSettings, error) {
			return store.UserServerSettings{}, store.ErrIgnoredAccount
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	body := strings.NewReader(`{"canPubliclyDisplayMessages":true}`)
	req := httptest.NewRequest(http.MethodPut, "/api/manage/servers/srv_1/users/u-erased/consent", body)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")

	rr := doRequest(t, server, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["code"] != "ACCOUNT_IGNORED" {
		t.Fatalf("expected ACCOUNT_IGNORED, got %v", payload["code"])
	}
}

func TestIgnoredAccountRoutes(t *testing.T) {
	fs := &fakeStore{
		purgeAuthorMessagesFn: func(_ context.Context, _ string) ([]string, []string, error) {
			return []string{"msg_a"}, nil, nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	body := strings.NewReader(`{"userId":"u-erased"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/manage/ignored-accounts", body)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")
	rr := doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["ignored"] != true || payload["purgedMessages"] != float64(1) {
		t.Fatalf("unexpected ignore payload: %v", payload)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/manage/ignored-accounts/u-erased", nil)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")
	rr = doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["ignored"] != false {
		t.Fatalf("expected ignored false, got %v", payload)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	server := newTestHTTPServer(&fakeStore{}, &fakeIndex{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc123")
	rr := doRequest(t, server, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req-abc123" {
		t.Fatalf("expected the request id echoed back, got %q", got)
	}

	rr = doRequest(t, server, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestSyncMessagesEndToEnd(t *testing.T) {
	var cursor string
	fs := &fakeStore{
		getChannelByDiscordIDFn: func(_ context.Context, discordID string) (store.Channel, error) {
			return store.Channel{ID: "ch_1", DiscordID: discordID, ServerID: "srv_1", IndexingEnabled: true}, nil
		},
		setChannelCursorFn: func(_ context.Context, _ string, messageDiscordID string) error {
			cursor = messageDiscordID
			return nil
		},
	}
	server := newTestHTTPServer(fs, &fakeIndex{})

	body := strings.NewReader(`{
		"channelDiscordId": "100",
		"messages": [
			{"discordId": "1001", "content": "hello", "author": {"id": "u1", "name": "One"}},
			{"discordId": "1002", "content": "world", "author": {"id": "u2", "name": "Two"}}
		]
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/messages", body)
	req.Header.Set("X-Tapestry-Sync-Token", "test-sync-token")

	rr := doRequest(t, server, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["accepted"] != float64(2) || payload["skipped"] != float64(0) {
		t.Fatalf("unexpected counters: %v", payload)
	}
	if cursor != "1002" || payload["cursor"] != "1002" {
		t.Fatalf("expected cursor 1002, got stored=%q payload=%v", cursor, payload["cursor"])
	}
}

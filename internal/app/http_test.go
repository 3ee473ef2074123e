package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cowrite/api/internal/access"
	"cowrite/api/internal/docsync"
	"cowrite/api/internal/documents"
	"cowrite/api/internal/events"
	"cowrite/api/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, harness) {
	t.Helper()
	h := newHarness(t)
	return NewHTTPServer(h.service, headerIdentity{}, "*").Handler(), h
}

func doJSON(t *testing.T, handler http.Handler, method, path, userID, body string) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User", userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: parse response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, payload
}

func createDocument(t *testing.T, handler http.Handler, userID, title string, public bool) string {
	t.Helper()
	code, payload := doJSON(t, handler, http.MethodPost, "/api/documents", userID, fmt.Sprintf(`{"title":%q,"isPublic":%v}`, title, public))
	if code != http.StatusCreated {
		t.Fatalf("create document: status %d body %v", code, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("create document: missing id in %v", payload)
	}
	return id
}

func listIDs(payload map[string]any, key string) []string {
	raw, _ := payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		doc, _ := item.(map[string]any)
		id, _ := doc["id"].(string)
		out = append(out, id)
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func TestHealthAndSession(t *testing.T) {
	handler, _ := newTestServer(t)

	code, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", "")
	if code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodGet, "/api/session", "", "")
	if code != http.StatusOK || payload["authenticated"] != false {
		t.Fatalf("anonymous session: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodGet, "/api/session", "alice", "")
	if code != http.StatusOK || payload["authenticated"] != true || payload["userId"] != "alice" {
		t.Fatalf("session: %d %v", code, payload)
	}
}

func TestReadyEndpoint(t *testing.T) {
	handler, h := newTestServer(t)

	code, payload := doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready: %d %v", code, payload)
	}

	h.service.WithCheck("presence", func(context.Context) error { return errors.New("connection refused") })
	code, payload = doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if code != http.StatusServiceUnavailable || payload["ok"] != false {
		t.Fatalf("not ready: %d %v", code, payload)
	}
	checks, _ := payload["checks"].(map[string]any)
	presenceCheck, _ := checks["presence"].(map[string]any)
	if presenceCheck["status"] != "error" || presenceCheck["error"] != "connection refused" {
		t.Fatalf("unexpected presence check: %v", checks)
	}
}

func TestDocumentRoutesRequireAuthentication(t *testing.T) {
	handler, _ := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/documents"},
		{http.MethodPost, "/api/documents"},
		{http.MethodGet, "/api/documents/search?q=x"},
		{http.MethodGet, "/api/documents/missing"},
		{http.MethodDelete, "/api/documents/missing"},
		{http.MethodGet, "/api/documents/missing/sync"},
		{http.MethodPost, "/api/documents/missing/sync/steps"},
		{http.MethodPost, "/api/documents/missing/presence"},
	}
	for _, route := range routes {
		code, payload := doJSON(t, handler, route.method, route.path, "", `{}`)
		if code != http.StatusUnauthorized || payload["code"] != "UNAUTHENTICATED" {
			t.Fatalf("%s %s: %d %v, want 401 UNAUTHENTICATED", route.method, route.path, code, payload)
		}
	}
}

func TestVisibilityScenarioOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Quarterly plan", false)

	code, payload := doJSON(t, handler, http.MethodGet, "/api/documents", "bob", "")
	if code != http.StatusOK || containsID(listIDs(payload, "public"), id) {
		t.Fatalf("bob sees private document: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodGet, "/api/documents/"+id, "bob", "")
	if code != http.StatusForbidden || payload["code"] != "ACCESS_DENIED" {
		t.Fatalf("bob get private: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodGet, "/api/documents/search?q=quarter", "bob", "")
	if code != http.StatusOK || len(listIDs(payload, "results")) != 0 {
		t.Fatalf("bob search private: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodPut, "/api/documents/"+id+"/visibility", "alice", `{"isPublic":true}`)
	if code != http.StatusOK {
		t.Fatalf("publish: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodGet, "/api/documents", "bob", "")
	if code != http.StatusOK || !containsID(listIDs(payload, "public"), id) {
		t.Fatalf("bob list after publish: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodGet, "/api/documents/search?q=quarter", "bob", "")
	if code != http.StatusOK || !containsID(listIDs(payload, "results"), id) {
		t.Fatalf("bob search after publish: %d %v", code, payload)
	}

	code, _ = doJSON(t, handler, http.MethodPost, "/api/documents/"+id+"/sync/snapshot", "alice", `{"content":{"type":"doc"}}`)
	if code != http.StatusCreated {
		t.Fatalf("initial snapshot: %d", code)
	}
	code, payload = doJSON(t, handler, http.MethodPost, "/api/documents/"+id+"/sync/steps", "bob", `{"baseVersion":0,"clientId":"bob-tab","steps":[{"op":"insert"}]}`)
	if code != http.StatusOK || payload["accepted"] != true || payload["version"] != float64(1) {
		t.Fatalf("bob edit public: %d %v", code, payload)
	}

	for _, route := range []struct{ method, path, body string }{
		{http.MethodPut, "/api/documents/" + id + "/title", `{"title":"Mine now"}`},
		{http.MethodPut, "/api/documents/" + id + "/visibility", `{"isPublic":false}`},
		{http.MethodDelete, "/api/documents/" + id, ""},
	} {
		code, payload := doJSON(t, handler, route.method, route.path, "bob", route.body)
		if code != http.StatusForbidden || payload["code"] != "ACCESS_DENIED" {
			t.Fatalf("bob %s %s: %d %v, want 403", route.method, route.path, code, payload)
		}
	}
}

func TestGetMissingDocumentIs404(t *testing.T) {
	handler, _ := newTestServer(t)

	code, payload := doJSON(t, handler, http.MethodGet, "/api/documents/nope", "alice", "")
	if code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("get missing: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodPut, "/api/documents/nope/title", "alice", `{"title":"x"}`)
	if code != http.StatusNotFound {
		t.Fatalf("rename missing: %d %v", code, payload)
	}
	code, _ = doJSON(t, handler, http.MethodGet, "/api/documents/nope/open", "alice", "")
	if code != http.StatusNotFound {
		t.Fatalf("open missing: %d", code)
	}
}

func TestSyncRoutesRoundTrip(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Draft", false)
	base := "/api/documents/" + id

	code, payload := doJSON(t, handler, http.MethodGet, base+"/sync", "alice", "")
	if code != http.StatusOK || payload["initialized"] != false || payload["snapshot"] != nil {
		t.Fatalf("uninitialized sync: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodPost, base+"/sync/steps", "alice", `{"baseVersion":0,"steps":[1]}`)
	if code != http.StatusConflict || payload["code"] != "NOT_INITIALIZED" {
		t.Fatalf("steps before snapshot: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodPost, base+"/sync/snapshot", "alice", `{"content":{"type":"doc","content":[]}}`)
	if code != http.StatusCreated || payload["version"] != float64(0) {
		t.Fatalf("initial snapshot: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodPost, base+"/sync/snapshot", "alice", `{"content":{}}`)
	if code != http.StatusConflict || payload["code"] != "ALREADY_INITIALIZED" {
		t.Fatalf("second snapshot: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodGet, base+"/sync", "alice", "")
	snapshot, _ := payload["snapshot"].(map[string]any)
	if code != http.StatusOK || payload["initialized"] != true || snapshot["type"] != "doc" {
		t.Fatalf("latest: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodPost, base+"/sync/steps", "alice", `{"baseVersion":0,"clientId":"tab-1","steps":[{"a":1},{"a":2}]}`)
	if code != http.StatusOK || payload["accepted"] != true || payload["version"] != float64(2) {
		t.Fatalf("submit: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodPost, base+"/sync/steps", "alice", `{"baseVersion":1,"clientId":"tab-2","steps":[{"b":1}]}`)
	if code != http.StatusOK || payload["accepted"] != false || payload["version"] != float64(2) {
		t.Fatalf("stale submit: %d %v", code, payload)
	}
	pushed, _ := payload["steps"].([]any)
	if len(pushed) != 1 {
		t.Fatalf("stale submit should return one step, got %v", payload["steps"])
	}
	step, _ := pushed[0].(map[string]any)
	data, _ := step["step"].(map[string]any)
	if step["clientId"] != "tab-1" || data["a"] != float64(2) {
		t.Fatalf("unexpected pushed-back step: %v", step)
	}

	code, payload = doJSON(t, handler, http.MethodGet, base+"/sync/steps?since=0", "alice", "")
	if code != http.StatusOK || payload["version"] != float64(2) || len(payload["steps"].([]any)) != 2 || payload["resync"] != nil {
		t.Fatalf("steps since 0: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodGet, base+"/sync/steps?since=9", "alice", "")
	if code != http.StatusOK || payload["resync"] == nil {
		t.Fatalf("steps since future: %d %v", code, payload)
	}
	code, _ = doJSON(t, handler, http.MethodGet, base+"/sync/steps?since=abc", "alice", "")
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("steps since garbage: %d", code)
	}

	code, payload = doJSON(t, handler, http.MethodGet, base+"/sync/version", "alice", "")
	if code != http.StatusOK || payload["version"] != float64(2) {
		t.Fatalf("version: %d %v", code, payload)
	}

	code, payload = doJSON(t, handler, http.MethodPut, base+"/sync/snapshot", "alice", `{"version":2,"content":{"type":"doc","v":2}}`)
	if code != http.StatusOK || payload["applied"] != true {
		t.Fatalf("compact: %d %v", code, payload)
	}
	code, payload = doJSON(t, handler, http.MethodGet, base+"/sync", "alice", "")
	if code != http.StatusOK || payload["version"] != float64(2) {
		t.Fatalf("latest after compaction: %d %v", code, payload)
	}
}

func TestSyncValidation(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Draft", false)
	base := "/api/documents/" + id
	doJSON(t, handler, http.MethodPost, base+"/sync/snapshot", "alice", `{"content":{}}`)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"empty batch", http.MethodPost, base + "/sync/steps", `{"baseVersion":0,"steps":[]}`, http.StatusUnprocessableEntity},
		{"missing base", http.MethodPost, base + "/sync/steps", `{"steps":[1]}`, http.StatusUnprocessableEntity},
		{"negative base", http.MethodPost, base + "/sync/steps", `{"baseVersion":-1,"steps":[1]}`, http.StatusUnprocessableEntity},
		{"bad json", http.MethodPost, base + "/sync/steps", `{"baseVersion":`, http.StatusBadRequest},
		{"snapshot without content", http.MethodPut, base + "/sync/snapshot", `{"version":1}`, http.StatusUnprocessableEntity},
		{"visibility without flag", http.MethodPut, base + "/visibility", `{}`, http.StatusUnprocessableEntity},
		{"overlong title", http.MethodPut, base + "/title", fmt.Sprintf(`{"title":%q}`, strings.Repeat("x", 600)), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, payload := doJSON(t, handler, tc.method, tc.path, "alice", tc.body)
			if code != tc.status {
				t.Fatalf("status = %d, want %d (%v)", code, tc.status, payload)
			}
		})
	}
}

func TestOpenAndPresenceRoutes(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Shared", true)
	base := "/api/documents/" + id
	doJSON(t, handler, http.MethodPost, base+"/sync/snapshot", "alice", `{"content":{"type":"doc"}}`)

	code, _ := doJSON(t, handler, http.MethodPost, base+"/presence", "bob", `{"data":{"cursor":4}}`)
	if code != http.StatusOK {
		t.Fatalf("heartbeat: %d", code)
	}

	code, payload := doJSON(t, handler, http.MethodGet, base+"/presence", "alice", "")
	active, _ := payload["active"].([]any)
	if code != http.StatusOK || len(active) != 1 {
		t.Fatalf("list presence: %d %v", code, payload)
	}
	entry, _ := active[0].(map[string]any)
	data, _ := entry["data"].(map[string]any)
	if entry["userId"] != "bob" || data["cursor"] != float64(4) {
		t.Fatalf("unexpected presence entry: %v", entry)
	}

	code, payload = doJSON(t, handler, http.MethodGet, base+"/open", "alice", "")
	if code != http.StatusOK || payload["initialized"] != true || len(payload["presence"].([]any)) != 1 {
		t.Fatalf("open: %d %v", code, payload)
	}

	code, _ = doJSON(t, handler, http.MethodDelete, base+"/presence", "bob", "")
	if code != http.StatusOK {
		t.Fatalf("leave: %d", code)
	}
	_, payload = doJSON(t, handler, http.MethodGet, base+"/presence", "alice", "")
	if len(payload["active"].([]any)) != 0 {
		t.Fatalf("presence after leave: %v", payload)
	}
}

func TestHistoryRoutes(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Draft", false)

	code, payload := doJSON(t, handler, http.MethodGet, "/api/documents/"+id+"/history?limit=5", "alice", "")
	if code != http.StatusOK {
		t.Fatalf("history: %d %v", code, payload)
	}
	if items, _ := payload["checkpoints"].([]any); len(items) != 0 {
		t.Fatalf("expected no checkpoints, got %v", items)
	}
	code, payload = doJSON(t, handler, http.MethodGet, "/api/documents/"+id+"/history/abc1234", "alice", "")
	if code != http.StatusNotFound {
		t.Fatalf("missing checkpoint: %d %v", code, payload)
	}
	code, _ = doJSON(t, handler, http.MethodGet, "/api/documents/"+id+"/history", "bob", "")
	if code != http.StatusForbidden {
		t.Fatalf("history as stranger: %d", code)
	}
}

func TestDeleteOverHTTP(t *testing.T) {
	handler, _ := newTestServer(t)
	id := createDocument(t, handler, "alice", "Scratch", false)
	doJSON(t, handler, http.MethodPost, "/api/documents/"+id+"/sync/snapshot", "alice", `{"content":{}}`)

	code, _ := doJSON(t, handler, http.MethodDelete, "/api/documents/"+id, "alice", "")
	if code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	code, _ = doJSON(t, handler, http.MethodGet, "/api/documents/"+id, "alice", "")
	if code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}
	code, _ = doJSON(t, handler, http.MethodGet, "/api/documents/"+id+"/sync", "alice", "")
	if code != http.StatusNotFound {
		t.Fatalf("sync after delete: %d", code)
	}
}

func TestMutationsAreRateLimitedPerUser(t *testing.T) {
	h := newHarness(t)
	handler := NewHTTPServer(h.service, headerIdentity{}, "*").WithRateLimit(0.001, 2).Handler()

	for i := 0; i < 2; i++ {
		code, _ := doJSON(t, handler, http.MethodPost, "/api/documents", "alice", `{"title":"t"}`)
		if code != http.StatusCreated {
			t.Fatalf("create %d: %d", i, code)
		}
	}
	code, payload := doJSON(t, handler, http.MethodPost, "/api/documents", "alice", `{"title":"t"}`)
	if code != http.StatusTooManyRequests || payload["code"] != "RATE_LIMITED" {
		t.Fatalf("third create: %d %v", code, payload)
	}
	if code, _ := doJSON(t, handler, http.MethodGet, "/api/documents", "alice", ""); code != http.StatusOK {
		t.Fatalf("reads must not be limited: %d", code)
	}
	if code, _ := doJSON(t, handler, http.MethodPost, "/api/documents", "bob", `{"title":"t"}`); code != http.StatusCreated {
		t.Fatalf("other users keep their own budget: %d", code)
	}
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Header().Get("X-Request-ID") == "" || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing generated headers: %v", rr.Header())
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{access.ErrNotAuthenticated, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{fmt.Errorf("get document: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{access.ErrAccessDenied, http.StatusForbidden, "ACCESS_DENIED"},
		{store.ErrAlreadyInitialized, http.StatusConflict, "ALREADY_INITIALIZED"},
		{store.ErrUninitialized, http.StatusConflict, "NOT_INITIALIZED"},
		{docsync.ErrEmptyBatch, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{documents.ErrInvalidTitle, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{&store.StorageError{Op: "append steps", Err: errors.New("conn reset")}, http.StatusServiceUnavailable, "STORAGE_FAILURE"},
		{errRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestEventsFeedStreamsChanges(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(NewHTTPServer(h.service, headerIdentity{}, "*").Handler())
	defer server.Close()
	ctx := context.Background()

	id, err := h.service.CreateDocument(ctx, "alice", "Live", true)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	header := http.Header{}
	header.Set("X-User", "bob")
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/documents/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial events: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.service.CreateInitialSnapshot(ctx, "alice", id, []byte(`{}`)); err != nil {
		t.Fatalf("CreateInitialSnapshot() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.SnapshotCreated || ev.DocumentID != id {
		t.Fatalf("unexpected event: %+v", ev)
	}

	private, _ := h.service.CreateDocument(ctx, "alice", "Hidden", false)
	privateURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/documents/" + private + "/events"
	_, resp, err = websocket.DefaultDialer.Dial(privateURL, header)
	if err == nil {
		t.Fatal("stranger subscribed to a private feed")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("private feed response = %v", resp)
	}
}

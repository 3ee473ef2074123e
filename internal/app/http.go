package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cowrite/api/internal/docsync"
	"cowrite/api/internal/events"
	"cowrite/api/internal/logger"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

// Identity resolves the caller of a request; "" means anonymous.
type Identity interface {
	UserID(r *http.Request) string
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	readyTimeout        = 5 * time.Second
)

type HTTPServer struct {
	service    *Service
	identity   Identity
	corsOrigin string
	limiter    *userLimiter
}

func NewHTTPServer(service *Service, identity Identity, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, identity: identity, corsOrigin: corsOrigin}
}

// WithRateLimit caps mutating requests per user. A non-positive rate disables it.
func (s *HTTPServer) WithRateLimit(perSecond float64, burst int) *HTTPServer {
	s.limiter = newUserLimiter(perSecond, burst)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
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
		s.handleReady(w, r)
		return
	}

	userID := s.identity.UserID(r)

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		if userID == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": userID})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Every document route needs a caller; this runs before any lookup.
	if userID == "" {
		writeDomainError(w, errUnauthenticated)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead && !s.limiter.Allow(userID) {
		writeDomainError(w, errRateLimited)
		return
	}

	if len(parts) == 2 {
		s.handleCollection(w, r, userID)
		return
	}
	if len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodGet {
		s.handleSearch(w, r, userID)
		return
	}
	s.handleDocument(w, r, userID, parts[2], parts)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		listing, err := s.service.ListDocuments(r.Context(), userID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"private": documentsJSON(listing.Private),
			"public":  documentsJSON(listing.Public),
		})
	case http.MethodPost:
		var body struct {
			Title    string `json:"title"`
			IsPublic bool   `json:"isPublic"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		id, err := s.service.CreateDocument(r.Context(), userID, body.Title, body.IsPublic)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	results, err := s.service.SearchDocuments(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": documentsJSON(results)})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, userID, documentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 3 && r.Method == http.MethodGet {
		doc, found, err := s.service.GetDocument(ctx, userID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if !found {
			writeDomainError(w, errDocumentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteDocument(ctx, userID, documentID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "title" && r.Method == http.MethodPut {
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.UpdateTitle(ctx, userID, documentID, body.Title)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
		return
	}

	if len(parts) == 4 && parts[3] == "visibility" && r.Method == http.MethodPut {
		var body struct {
			IsPublic *bool `json:"isPublic"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.IsPublic == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "isPublic is required", nil)
			return
		}
		doc, err := s.service.UpdateVisibility(ctx, userID, documentID, *body.IsPublic)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentJSON(doc)})
		return
	}

	if len(parts) == 4 && parts[3] == "open" && r.Method == http.MethodGet {
		opened, err := s.service.OpenDocument(ctx, userID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document":        documentJSON(opened.Document),
			"initialized":     opened.Initialized,
			"snapshotVersion": opened.SnapshotVersion,
			"snapshot":        rawJSON(opened.Snapshot),
			"version":         opened.Version,
			"steps":           stepsJSON(opened.Steps),
			"presence":        presenceJSON(opened.Presence),
		})
		return
	}

	if len(parts) >= 4 && parts[3] == "sync" {
		s.handleSync(w, r, userID, documentID, parts)
		return
	}

	if len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet {
		limit := defaultHistoryLimit
		if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
			if parsedLimit, err := strconv.Atoi(rawLimit); err == nil && parsedLimit > 0 {
				limit = min(parsedLimit, maxHistoryLimit)
			}
		}
		items, err := s.service.History(ctx, userID, documentID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpointsJSON(items)})
		return
	}

	if len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet {
		content, err := s.service.Checkpoint(ctx, userID, documentID, parts[4])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[4], "content": rawJSON(content)})
		return
	}

	if len(parts) == 4 && parts[3] == "presence" {
		s.handlePresence(w, r, userID, documentID)
		return
	}

	if len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet {
		if err := s.service.AuthorizeFeed(ctx, userID, documentID); err != nil {
			writeMappedError(w, err)
			return
		}
		events.ServeWS(s.service.Hub(), w, r, documentID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, userID, documentID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 && r.Method == http.MethodGet {
		latest, err := s.service.GetLatest(ctx, userID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"initialized": latest.Initialized,
			"version":     latest.Version,
			"snapshot":    rawJSON(latest.Snapshot),
		})
		return
	}

	if len(parts) == 5 && parts[4] == "version" && r.Method == http.MethodGet {
		version, initialized, err := s.service.LatestVersion(ctx, userID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"initialized": initialized, "version": version})
		return
	}

	if len(parts) == 5 && parts[4] == "steps" && r.Method == http.MethodGet {
		since, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("since")), 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "since must be an integer version", nil)
			return
		}
		result, err := s.service.GetStepsSince(ctx, userID, documentID, since)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stepsResultJSON(result))
		return
	}

	if len(parts) == 5 && parts[4] == "steps" && r.Method == http.MethodPost {
		var body struct {
			BaseVersion *int64            `json:"baseVersion"`
			ClientID    string            `json:"clientId"`
			Steps       []json.RawMessage `json:"steps"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.BaseVersion == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "baseVersion is required", nil)
			return
		}
		sub := docsync.Submission{BaseVersion: *body.BaseVersion, ClientID: body.ClientID, Steps: make([][]byte, 0, len(body.Steps))}
		for _, step := range body.Steps {
			sub.Steps = append(sub.Steps, step)
		}
		result, err := s.service.SubmitSteps(ctx, userID, documentID, sub)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": result.Accepted,
			"version":  result.Version,
			"steps":    stepsJSON(result.Steps),
			"resync":   resyncJSON(result.Resync),
		})
		return
	}

	if len(parts) == 5 && parts[4] == "snapshot" && r.Method == http.MethodPost {
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if len(body.Content) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
			return
		}
		version, err := s.service.CreateInitialSnapshot(ctx, userID, documentID, body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": version})
		return
	}

	if len(parts) == 5 && parts[4] == "snapshot" && r.Method == http.MethodPut {
		var body struct {
			Version *int64          `json:"version"`
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Version == nil || len(body.Content) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version and content are required", nil)
			return
		}
		applied, err := s.service.SubmitSnapshot(ctx, userID, documentID, *body.Version, body.Content)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, userID, documentID string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Data json.RawMessage `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Heartbeat(ctx, userID, documentID, body.Data); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodGet:
		active, err := s.service.ListPresence(ctx, userID, documentID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": presenceJSON(active)})
	case http.MethodDelete:
		if err := s.service.Leave(ctx, userID, documentID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the WebSocket upgrade on the events route.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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

func writeDomainError(w http.ResponseWriter, err *DomainError) {
	writeError(w, err.Status, err.Code, err.Message, err.Details)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logger.Sugar.Errorw("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
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

func documentJSON(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"isPublic":  doc.IsPublic,
		"createdBy": doc.CreatedBy,
		"createdAt": doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func documentsJSON(items []store.Document) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, documentJSON(item))
	}
	return out
}

func stepsJSON(steps []store.Step) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		out = append(out, map[string]any{
			"version":     step.Version,
			"baseVersion": step.BaseVersion,
			"clientId":    step.ClientID,
			"step":        rawJSON(step.Data),
		})
	}
	return out
}

func resyncJSON(resync *docsync.Resync) any {
	if resync == nil {
		return nil
	}
	return map[string]any{
		"snapshotVersion": resync.SnapshotVersion,
		"snapshot":        rawJSON(resync.Snapshot),
		"steps":           stepsJSON(resync.Steps),
	}
}

func stepsResultJSON(result docsync.StepsResult) map[string]any {
	return map[string]any{
		"version": result.Version,
		"steps":   stepsJSON(result.Steps),
		"resync":  resyncJSON(result.Resync),
	}
}

func presenceJSON(entries []presence.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"userId":          entry.UserID,
			"lastHeartbeatAt": entry.LastHeartbeatAt.UTC().Format(time.RFC3339Nano),
			"data":            rawJSON(entry.Data),
		})
	}
	return out
}

func checkpointsJSON(items []store.Checkpoint) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":        item.ID,
			"version":   item.Version,
			"author":    item.Author,
			"size":      item.Size,
			"createdAt": item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

// rawJSON passes stored payloads through untouched. Payloads that are not JSON
// (written by a non-HTTP caller) are sent as a JSON string instead.
func rawJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return string(data)
	}
	return json.RawMessage(data)
}

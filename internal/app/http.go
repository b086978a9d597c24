package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"valuechain/api/internal/auth"
	"valuechain/api/internal/layout"
	"valuechain/api/internal/logger"
	"valuechain/api/internal/valuechain"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
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

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Unload beacons cannot set headers, so the token may ride in the query string.
	if r.Method == http.MethodPost && len(parts) == 5 && parts[1] == "layout" && parts[2] == "sessions" && parts[4] == "beacon" {
		s.handleLayoutBeacon(w, r, parts[3])
		return
	}

	session, ok := s.requireSession(w, r, bearerToken(r))
	if !ok {
		return
	}

	switch parts[1] {
	case "chains":
		s.routeChains(w, r, session, parts[2:])
	case "layout":
		if len(parts) >= 4 && parts[2] == "sessions" {
			s.routeLayoutSession(w, r, session, parts[3], parts[4:])
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case "directory":
		s.routeDirectory(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

func (s *HTTPServer) routeChains(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			view := valuechain.ViewDefault
			if r.URL.Query().Get("view") == string(valuechain.ViewReview) {
				view = valuechain.ViewReview
			}
			items, err := s.service.ListChains(r.Context(), session, view)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var body struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			}
			if !s.decode(w, r, &body) {
				return
			}
			payload, err := s.service.CreateChain(r.Context(), session, body.Title, body.Description)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "merge" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			ChainAID string `json:"chainAId"`
			ChainBID string `json:"chainBId"`
			Title    string `json:"title"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.MergeChains(r.Context(), session, body.ChainAID, body.ChainBID, body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	chainID := rest[0]
	if len(rest) == 1 {
		s.handleChain(w, r, session, chainID)
		return
	}
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[1] {
	case "segments":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Segments []SegmentInput `json:"segments"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SaveSegments(r.Context(), session, chainID, body.Segments)
		s.respond(w, r, http.StatusOK, payload, err)
	case "order":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			SegmentIDs []string `json:"segmentIds"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.ReorderSegments(r.Context(), session, chainID, body.SegmentIDs)
		s.respond(w, r, http.StatusOK, payload, err)
	case "split":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Index       *int   `json:"index"`
			FirstTitle  string `json:"firstTitle"`
			SecondTitle string `json:"secondTitle"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		if body.Index == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "index is required", nil)
			return
		}
		items, err := s.service.SplitChain(r.Context(), session, chainID, *body.Index, body.FirstTitle, body.SecondTitle)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": items})
	case "layout":
		s.handleChainLayout(w, r, session, chainID)
	case "approve", "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var (
			payload map[string]any
			err     error
		)
		if rest[1] == "approve" {
			payload, err = s.service.Approve(r.Context(), session, chainID)
		} else {
			payload, err = s.service.Reject(r.Context(), session, chainID)
		}
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChain(w http.ResponseWriter, r *http.Request, session Session, chainID string) {
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.GetChain(r.Context(), session, chainID)
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodPut:
		var body struct {
			Title       *string `json:"title"`
			Description *string `json:"description"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.UpdateChain(r.Context(), session, chainID, valuechain.ChainPatch{
			Title:       body.Title,
			Description: body.Description,
		})
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodDelete:
		if err := s.service.DeleteChain(r.Context(), session, chainID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleChainLayout(w http.ResponseWriter, r *http.Request, session Session, chainID string) {
	switch r.Method {
	case http.MethodGet:
		chainLayout, err := s.service.GetLayout(r.Context(), session, chainID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chainLayout)
	case http.MethodPut:
		var body struct {
			Nodes    []valuechain.NodePosition `json:"nodes"`
			Viewport *valuechain.Viewport      `json:"viewport"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		err := s.service.SaveLayout(r.Context(), session, valuechain.Layout{
			ChainID:  chainID,
			Nodes:    body.Nodes,
			Viewport: body.Viewport,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) routeLayoutSession(w http.ResponseWriter, r *http.Request, session Session, sessionID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.LayoutSession(r.Context(), session, sessionID)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			if err := s.service.CloseLayout(r.Context(), session, sessionID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "select" && r.Method == http.MethodPost:
		var body struct {
			ChainID string `json:"chainId"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SelectLayoutChain(r.Context(), session, sessionID, body.ChainID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(rest) == 2 && rest[0] == "nodes" && r.Method == http.MethodPut:
		var body struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		if body.X == nil || body.Y == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "x and y are required", nil)
			return
		}
		payload, err := s.service.MoveLayoutNode(r.Context(), session, sessionID, rest[1], *body.X, *body.Y)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(rest) == 1 && rest[0] == "viewport" && r.Method == http.MethodPut:
		var body valuechain.Viewport
		if !s.decode(w, r, &body) {
			return
		}
		payload, err := s.service.SetLayoutViewport(r.Context(), session, sessionID, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(rest) == 1 && rest[0] == "flush" && r.Method == http.MethodPost:
		payload, err := s.service.FlushLayout(r.Context(), session, sessionID)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLayoutBeacon(w http.ResponseWriter, r *http.Request, sessionID string) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	session, ok := s.requireSession(w, r, token)
	if !ok {
		return
	}
	flushed := s.service.BeaconLayout(session, sessionID)
	writeJSON(w, http.StatusAccepted, map[string]any{"flushed": flushed})
}

func (s *HTTPServer) routeDirectory(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	var (
		items []map[string]any
		err   error
	)
	switch rest[0] {
	case "people":
		items, err = s.service.ListPeople(r.Context(), session)
	case "units":
		items, err = s.service.ListUnits(r.Context(), session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	response, err := s.service.Search(r.Context(), session, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload map[string]any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "requestId", requestIDFrom(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
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

		s.log.Info("request",
			"requestId", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"durationMs", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
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

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *valuechain.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Reason, nil
	}
	var notFound *valuechain.NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound, "NOT_FOUND", notFound.Error(), map[string]any{"kind": notFound.Kind, "id": notFound.ID}
	}
	if errors.Is(err, layout.ErrNoChain) {
		return http.StatusConflict, "NO_CHAIN_SELECTED", "Select a chain before editing its layout", nil
	}
	if errors.Is(err, layout.ErrClosed) {
		return http.StatusConflict, "SESSION_CLOSED", "Layout session closed", nil
	}
	if valuechain.IsPersistence(err) {
		return http.StatusInternalServerError, "PERSISTENCE_ERROR", "The change could not be saved", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

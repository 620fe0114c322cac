// Package server implements the docgate HTTP handlers and middleware.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kilupskalvis/docgate/internal/core"
	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/kilupskalvis/docgate/internal/payload"
	"github.com/kilupskalvis/docgate/internal/retrieval"
	"github.com/kilupskalvis/docgate/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configurable limits for the server.
type Config struct {
	MaxRequestBody    int64  // bytes, for document payloads
	RequestsPerMinute int    // per-token rate limit, 0 disables it
	AdminToken        string // for admin endpoints, empty disables them
	RequireAuth       bool   // bearer tokens on index routes
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody:    100 * 1024 * 1024, // 100MB
		RequestsPerMinute: 0,
	}
}

// Services are the collaborators behind the routes.
type Services struct {
	Documents *core.DocumentService
	Retrieval *retrieval.Service
	Tasks     *tasks.Store
	Engine    engine.Engine
	// Tokens is required when Config.RequireAuth is set or admin token
	// management is wanted.
	Tokens TokenStore

	// Registry serves /metrics and receives the HTTP metrics. Optional.
	Registry *prometheus.Registry
}

type api struct {
	svc    Services
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(svc Services, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: svc, cfg: cfg, logger: logger}

	rl := newRateLimiter(cfg.RequestsPerMinute)

	// applyMiddleware runs the first item outermost.
	// Execution order: auth -> requireIndex -> rl -> handler
	withRead := func(h http.HandlerFunc) http.Handler {
		if !cfg.RequireAuth {
			return applyMiddleware(h, rl.middleware)
		}
		return applyMiddleware(h, authMiddleware(svc.Tokens), requireIndex, rl.middleware)
	}
	// Execution order: auth -> requireIndex -> requireWrite -> rl -> handler
	withWrite := func(h http.HandlerFunc) http.Handler {
		if !cfg.RequireAuth {
			return applyMiddleware(h, rl.middleware)
		}
		return applyMiddleware(h, authMiddleware(svc.Tokens), requireIndex, requireWrite, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	var metrics *httpMetrics
	if svc.Registry != nil {
		metrics = newHTTPMetrics(svc.Registry)
		mux.Handle("GET /metrics", promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{}))
	}

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		if svc.Tokens != nil {
			adminMux.HandleFunc("POST /admin/tokens", a.handleAdminCreateToken)
			adminMux.HandleFunc("GET /admin/tokens", a.handleAdminListTokens)
			adminMux.HandleFunc("DELETE /admin/tokens/{id}", a.handleAdminDeleteToken)
		}
		adminMux.HandleFunc("POST /admin/tasks/prune", a.handleAdminPrune)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Index
	mux.Handle("GET /indexes/{index}", withRead(a.handleGetIndex))

	// Documents
	mux.Handle("GET /indexes/{index}/documents", withRead(a.handleListDocuments))
	mux.Handle("GET /indexes/{index}/documents/{id}", withRead(a.handleGetDocument))
	mux.Handle("POST /indexes/{index}/documents", withWrite(a.handleAddDocuments(models.MethodReplace)))
	mux.Handle("PUT /indexes/{index}/documents", withWrite(a.handleAddDocuments(models.MethodMerge)))
	mux.Handle("POST /indexes/{index}/documents/delete-batch", withWrite(a.handleDeleteBatch))
	mux.Handle("DELETE /indexes/{index}/documents/{id}", withWrite(a.handleDeleteDocument))
	mux.Handle("DELETE /indexes/{index}/documents", withWrite(a.handleClearDocuments))

	// Tasks
	mux.Handle("GET /indexes/{index}/tasks", withRead(a.handleListTasks))
	mux.Handle("GET /indexes/{index}/tasks/{taskId}", withRead(a.handleGetTask))

	// Apply global middleware
	handler := applyMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger, metrics),
		recoveryMiddleware(logger),
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Document Handlers ---

func (a *api) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q, err := retrievalQuery(r.URL.Query())
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	docs, err := a.svc.Retrieval.List(r.Context(), r.PathValue("index"), q)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

func (a *api) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := strictQuery(values, paramAttributes); err != nil {
		a.writeError(w, r, err)
		return
	}

	doc, err := a.svc.Retrieval.Get(r.Context(), r.PathValue("index"), r.PathValue("id"), attributesParam(values))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (a *api) handleAddDocuments(method models.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := r.URL.Query()
		if err := strictQuery(values, paramPrimaryKey); err != nil {
			a.writeError(w, r, err)
			return
		}

		task, err := a.svc.Documents.AddDocuments(r.Context(), core.AddRequest{
			IndexUID:    r.PathValue("index"),
			ContentType: payload.ParseContentType(r.Header.Get("Content-Type")),
			Body:        http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody),
			PrimaryKey:  values.Get(paramPrimaryKey),
			Method:      method,
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, task.Handle())
	}
}

func (a *api) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := strictQuery(r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
	task, err := a.svc.Documents.DeleteDocuments(r.Context(), r.PathValue("index"), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, task.Handle())
}

func (a *api) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := strictQuery(r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}

	task, err := a.svc.Documents.DeleteDocument(r.Context(), r.PathValue("index"), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, task.Handle())
}

func (a *api) handleClearDocuments(w http.ResponseWriter, r *http.Request) {
	if err := strictQuery(r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}

	task, err := a.svc.Documents.ClearDocuments(r.Context(), r.PathValue("index"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, task.Handle())
}

// --- Index Handler ---

func (a *api) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	if err := strictQuery(r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}

	info, err := a.svc.Retrieval.Index(r.Context(), r.PathValue("index"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// --- Task Handlers ---

func (a *api) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if err := strictQuery(r.URL.Query()); err != nil {
		a.writeError(w, r, err)
		return
	}

	uid := r.PathValue("index")
	raw := r.PathValue("taskId")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		a.writeError(w, r, docerr.New(docerr.CodeBadRequest, "invalid task id %q", raw))
		return
	}

	task, err := a.svc.Tasks.Get(r.Context(), uid, id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			err = docerr.Wrap(docerr.CodeTaskNotFound, err, "task %d of index `%s` not found", id, uid)
		}
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (a *api) handleListTasks(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := strictQuery(values, paramFrom, paramLimit, paramStatus); err != nil {
		a.writeError(w, r, err)
		return
	}

	from, err := intParam(values, paramFrom, 0)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, err := intParam(values, paramLimit, models.DefaultRetrieveLimit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var status models.TaskStatus
	if raw := values.Get(paramStatus); raw != "" {
		st, ok := models.ParseTaskStatus(raw)
		if !ok {
			a.writeError(w, r, docerr.New(docerr.CodeBadRequest,
				"invalid value for `status`: %q, expected enqueued, processing, succeeded or failed", raw))
			return
		}
		status = st
	}

	list, err := a.svc.Tasks.List(r.Context(), r.PathValue("index"), uint64(from), limit, status)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *api) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Engine.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: engine unavailable"))
		return
	}
	if a.svc.Tokens != nil {
		if _, err := a.svc.Tokens.ListTokens(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: token store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Admin ---

func adminAuth(adminToken string, next http.Handler) http.Handler {
	expected := "Bearer " + adminToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "auth_failed", Message: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenResponse is returned by the admin token endpoints. Token is only set
// on creation.
type TokenResponse struct {
	Token       string   `json:"token,omitempty"`
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Indexes     []string `json:"indexes"`
	Permission  string   `json:"permission"`
}

// CreateTokenRequest is the body of POST /admin/tokens.
type CreateTokenRequest struct {
	Description string   `json:"description"`
	Indexes     []string `json:"indexes"`
	Permission  string   `json:"permission"`
}

func (a *api) handleAdminCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(docerr.CodeBadRequest), Message: "invalid JSON"})
		return
	}
	if req.Permission == "" {
		req.Permission = PermissionRead
	}
	if req.Permission != PermissionRead && req.Permission != PermissionReadWrite {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(docerr.CodeBadRequest), Message: "permission must be 'ro' or 'rw'"})
		return
	}
	if len(req.Indexes) == 0 {
		req.Indexes = []string{"*"}
	}

	rawToken, info, err := a.svc.Tokens.CreateToken(req.Description, req.Indexes, req.Permission)
	if err != nil {
		a.logger.Error("create token", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(docerr.CodeInternal), Message: err.Error()})
		return
	}

	resp := tokenResponse(info)
	resp.Token = rawToken
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) handleAdminListTokens(w http.ResponseWriter, _ *http.Request) {
	list, err := a.svc.Tokens.ListTokens()
	if err != nil {
		a.logger.Error("list tokens", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: string(docerr.CodeInternal), Message: err.Error()})
		return
	}

	// Metadata only, never hashes
	entries := make([]*TokenResponse, len(list))
	for i, t := range list {
		entries[i] = tokenResponse(t)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) handleAdminDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.Tokens.DeleteToken(id); err != nil {
		a.logger.Error("delete token", "error", err, "token_id", id)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func tokenResponse(t *TokenInfo) *TokenResponse {
	return &TokenResponse{
		ID:          t.ID,
		Description: t.Desc,
		Indexes:     t.Indexes,
		Permission:  t.Permission,
	}
}

// PruneRequest is the body of POST /admin/tasks/prune.
type PruneRequest struct {
	IndexUID  string `json:"indexUid"`
	OlderThan string `json:"olderThan"`
}

func (a *api) handleAdminPrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(docerr.CodeBadRequest), Message: "invalid JSON"})
		return
	}
	if req.IndexUID != "" && !models.ValidIndexUID(req.IndexUID) {
		a.writeError(w, r, docerr.New(docerr.CodeInvalidIndexUID, "`%s` is not a valid index uid", req.IndexUID))
		return
	}
	age, err := time.ParseDuration(req.OlderThan)
	if err != nil || age < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   string(docerr.CodeBadRequest),
			Message: "olderThan must be a non-negative duration such as 72h",
		})
		return
	}

	result, err := PruneTasks(r.Context(), a.svc.Tasks, req.IndexUID, age, a.logger)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Helpers ---

type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and error body. Errors without a code
// are logged and reported as internal errors without their message.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var de *docerr.Error
	if !errors.As(err, &de) {
		reqID, _ := r.Context().Value(contextKeyRequestID).(string)
		a.logger.Error("unhandled error", "error", err, "path", r.URL.Path, "request_id", reqID)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   string(docerr.CodeInternal),
			Message: "internal server error",
		})
		return
	}
	if de.Code == docerr.CodeInternal {
		reqID, _ := r.Context().Value(contextKeyRequestID).(string)
		a.logger.Error("internal error", "error", err, "path", r.URL.Path, "request_id", reqID)
	}
	writeJSON(w, docerr.HTTPStatus(de), errorBody{
		Error:   string(de.Code),
		Message: de.Error(),
		Detail:  de.Detail(),
	})
}

package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alemhq/alem/internal/changefeed"
	"github.com/alemhq/alem/internal/identity"
	"github.com/alemhq/alem/internal/namespace"
	"github.com/alemhq/alem/internal/router"
	"github.com/alemhq/alem/internal/storage"
)

const (
	scopeNamespaceRead  = "namespace:read"
	scopeNamespaceWrite = "namespace:write"
	scopeDocumentsRead  = "documents:read"
	scopeDocumentsWrite = "documents:write"
	scopeSyncRead       = "sync:read"
	scopeSyncWrite      = "sync:write"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Namespaces is the part of namespace.Manager the API drives.
type Namespaces interface {
	Start(ctx context.Context, req namespace.StartRequest) (namespace.Record, error)
	Ensure(ctx context.Context, req namespace.StartRequest) (namespace.Record, error)
	Status(ctx context.Context, id string) (namespace.Snapshot, error)
	Delete(ctx context.Context, id string) (namespace.Record, error)
	Config(ctx context.Context, id string) (map[string]any, error)
	UpdateConfig(ctx context.Context, id string, patch map[string]any) (map[string]any, error)
	ResourceUsage(ctx context.Context, id string) (namespace.Usage, error)
	RecordUsage(id string, documents, bytes int64)
	Do(ctx context.Context, id string, fn func(context.Context, *router.Router) error) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	UploadTTL      time.Duration
}

type Options struct {
	Namespaces Namespaces
	Feed       *changefeed.Feed
	Verifier   *identity.Verifier
	Blobs      storage.BlobStore
	Signer     *storage.Signer
	Hub        *Hub
	Config     ServerConfig
	Logger     Logger
}

type Server struct {
	namespaces Namespaces
	feed       *changefeed.Feed
	verifier   *identity.Verifier
	blobs      storage.BlobStore
	signer     *storage.Signer
	hub        *Hub
	cfg        ServerConfig
	logger     Logger
}

// caller is an authenticated request bound to its namespace.
type caller struct {
	claims        identity.Claims
	namespaceID   string
	correlationID string
}

func NewServer(opts Options) (*Server, error) {
	if opts.Namespaces == nil || opts.Feed == nil || opts.Blobs == nil {
		return nil, fmt.Errorf("%w: server needs namespaces, a change feed and a blob store", storage.ErrInvalidInput)
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 15 * time.Minute
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = identity.NewVerifier("", "")
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(opts.Logger)
	}
	return &Server{
		namespaces: opts.Namespaces,
		feed:       opts.Feed,
		verifier:   verifier,
		blobs:      opts.Blobs,
		signer:     opts.Signer,
		hub:        hub,
		cfg:        cfg,
		logger:     opts.Logger,
	}, nil
}

// Hub returns the notification hub stream subscribers attach to.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if (r.URL.Path == "/health" || r.URL.Path == "/v1/health") && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
		return
	}
	if strings.HasPrefix(r.URL.EscapedPath(), storage.BlobRoutePrefix) {
		s.handleBlob(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope, route string
	switch {
	case len(parts) == 2 && parts[1] == "namespaces" && r.Method == http.MethodPost:
		requiredScope, route = scopeNamespaceWrite, "namespace_start"
	case len(parts) == 3 && parts[1] == "namespaces" && r.Method == http.MethodGet:
		requiredScope, route = scopeNamespaceRead, "namespace_status"
	case len(parts) == 3 && parts[1] == "namespaces" && r.Method == http.MethodDelete:
		requiredScope, route = scopeNamespaceWrite, "namespace_delete"
	case len(parts) == 4 && parts[1] == "namespaces" && parts[3] == "config" && r.Method == http.MethodGet:
		requiredScope, route = scopeNamespaceRead, "namespace_config"
	case len(parts) == 4 && parts[1] == "namespaces" && parts[3] == "config" && r.Method == http.MethodPatch:
		requiredScope, route = scopeNamespaceWrite, "namespace_config_update"
	case len(parts) == 4 && parts[1] == "namespaces" && parts[3] == "usage" && r.Method == http.MethodGet:
		requiredScope, route = scopeNamespaceRead, "namespace_usage"
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodPost:
		requiredScope, route = scopeDocumentsWrite, "document_ingest"
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodGet:
		requiredScope, route = scopeDocumentsRead, "document_list"
	case len(parts) == 3 && parts[1] == "documents" && parts[2] == "search" && r.Method == http.MethodGet:
		requiredScope, route = scopeDocumentsRead, "document_search"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodGet:
		requiredScope, route = scopeDocumentsRead, "document_get"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodDelete:
		requiredScope, route = scopeDocumentsWrite, "document_delete"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "changes" && r.Method == http.MethodGet:
		requiredScope, route = scopeSyncRead, "sync_changes"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "apply" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncWrite, "sync_apply"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "upload-url" && r.Method == http.MethodPost:
		requiredScope, route = scopeSyncWrite, "sync_upload_url"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeSyncRead, "sync_stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "sync_stream" {
		// Browser websocket clients cannot set headers.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := s.verifier.Authenticate(authHeader)
	if authErr != nil {
		writeError(w, authErr.Status, authErr.Code, authErr.Message, correlationID)
		return
	}
	if !claims.HasScope(requiredScope) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+requiredScope, correlationID)
		return
	}
	c := caller{claims: claims, namespaceID: claims.UserID(), correlationID: correlationID}

	if strings.HasPrefix(route, "namespace_") && route != "namespace_start" && parts[2] != c.namespaceID {
		writeError(w, http.StatusForbidden, "forbidden", "namespace belongs to another account", correlationID)
		return
	}

	if route == "sync_stream" {
		s.handleStream(w, r, c)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	if strings.HasPrefix(route, "document_") || strings.HasPrefix(route, "sync_") {
		if _, err := s.namespaces.Ensure(ctx, s.startRequest(c, nil)); err != nil {
			s.writeDomainError(w, err, correlationID)
			return
		}
	}

	switch route {
	case "namespace_start":
		s.handleNamespaceStart(w, r, c)
	case "namespace_status":
		s.handleNamespaceStatus(w, r, c)
	case "namespace_delete":
		s.handleNamespaceDelete(w, r, c)
	case "namespace_config":
		s.handleNamespaceConfig(w, r, c)
	case "namespace_config_update":
		s.handleNamespaceConfigUpdate(w, r, c)
	case "namespace_usage":
		s.handleNamespaceUsage(w, r, c)
	case "document_ingest":
		s.handleDocumentIngest(w, r, c)
	case "document_list":
		s.handleDocumentList(w, r, c)
	case "document_search":
		s.handleDocumentSearch(w, r, c)
	case "document_get":
		s.handleDocumentGet(w, r, c, parts[2])
	case "document_delete":
		s.handleDocumentDelete(w, r, c, parts[2])
	case "sync_changes":
		s.handleSyncChanges(w, r, c)
	case "sync_apply":
		s.handleSyncApply(w, r, c)
	case "sync_upload_url":
		s.handleSyncUploadURL(w, r, c)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) startRequest(c caller, config map[string]any) namespace.StartRequest {
	return namespace.StartRequest{
		ID:       c.namespaceID,
		TenantID: c.claims.TenantID,
		Config:   config,
		DID:      c.claims.DID,
	}
}

type namespaceStartRequest struct {
	DID               string         `json:"did"`
	ExternalAccountID string         `json:"external_account_id"`
	Config            map[string]any `json:"config"`
}

func (s *Server) handleNamespaceStart(w http.ResponseWriter, r *http.Request, c caller) {
	var body namespaceStartRequest
	if !s.decodeJSONBody(w, r, c.correlationID, &body) {
		return
	}
	req := s.startRequest(c, body.Config)
	if did := strings.TrimSpace(body.DID); did != "" && did != req.DID {
		req.DID = did
		req.Exact = true
	}
	if external := strings.TrimSpace(body.ExternalAccountID); external != "" {
		req.ExternalAccountID = external
		req.Exact = true
	}
	if _, err := s.namespaces.Start(r.Context(), req); err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	snapshot, err := s.namespaces.Status(r.Context(), c.namespaceID)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) handleNamespaceStatus(w http.ResponseWriter, r *http.Request, c caller) {
	snapshot, err := s.namespaces.Status(r.Context(), c.namespaceID)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleNamespaceDelete(w http.ResponseWriter, r *http.Request, c caller) {
	record, err := s.namespaces.Delete(r.Context(), c.namespaceID)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleNamespaceConfig(w http.ResponseWriter, r *http.Request, c caller) {
	config, err := s.namespaces.Config(r.Context(), c.namespaceID)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": config})
}

func (s *Server) handleNamespaceConfigUpdate(w http.ResponseWriter, r *http.Request, c caller) {
	var patch map[string]any
	if !s.decodeJSONBody(w, r, c.correlationID, &patch) {
		return
	}
	config, err := s.namespaces.UpdateConfig(r.Context(), c.namespaceID, patch)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": config})
}

func (s *Server) handleNamespaceUsage(w http.ResponseWriter, r *http.Request, c caller) {
	usage, err := s.namespaces.ResourceUsage(r.Context(), c.namespaceID)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type ingestDocumentRequest struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	ContentType   string         `json:"content_type"`
	Content       *string        `json:"content"`
	ContentBase64 string         `json:"content_base64"`
	ObjectKey     string         `json:"object_key"`
	Metadata      map[string]any `json:"metadata"`
}

// documentResponse carries a document plus, when requested, its bytes.
type documentResponse struct {
	router.Document
	ContentBase64 string `json:"content_base64,omitempty"`
}

func (s *Server) handleDocumentIngest(w http.ResponseWriter, r *http.Request, c caller) {
	var body ingestDocumentRequest
	if !s.decodeJSONBody(w, r, c.correlationID, &body) {
		return
	}
	var content []byte
	switch {
	case body.ContentBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(body.ContentBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "content_base64 is not valid base64", c.correlationID)
			return
		}
		content = decoded
	case body.Content != nil:
		content = []byte(*body.Content)
	}
	var doc router.Document
	err := s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		doc, err = rt.Ingest(ctx, router.IngestRequest{
			ID:          body.ID,
			Filename:    body.Filename,
			ContentType: body.ContentType,
			Content:     content,
			ObjectKey:   body.ObjectKey,
			Metadata:    body.Metadata,
		})
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	s.namespaces.RecordUsage(c.namespaceID, 1, doc.Size)
	s.hub.Publish(c.namespaceID, changefeed.Change{ID: doc.ID, Type: changefeed.TypeDocumentCreated, Timestamp: doc.UpdatedAt})
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request, c caller) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), defaultListLimit, 1, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", c.correlationID)
		return
	}
	offset, err := parseOptionalBoundedInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset", c.correlationID)
		return
	}
	var docs []router.Document
	err = s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		docs, err = rt.List(ctx, limit, offset)
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "limit": limit, "offset": offset})
}

func (s *Server) handleDocumentSearch(w http.ResponseWriter, r *http.Request, c caller) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), storage.DefaultSearchLimit, 1, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", c.correlationID)
		return
	}
	var results []router.SearchResult
	err = s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		results, err = rt.Search(ctx, query, limit)
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": results})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request, c caller, id string) {
	includeContent, err := parseOptionalBool(r.URL.Query().Get("include_content"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid include_content", c.correlationID)
		return
	}
	var doc router.Document
	err = s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		doc, err = rt.Get(ctx, c.claims.TenantID, id, includeContent)
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	resp := documentResponse{Document: doc}
	if includeContent {
		resp.ContentBase64 = base64.StdEncoding.EncodeToString(doc.Content)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request, c caller, id string) {
	var doc router.Document
	err := s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		doc, err = rt.Delete(ctx, c.claims.TenantID, id)
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	s.namespaces.RecordUsage(c.namespaceID, -1, -doc.Size)
	s.hub.Publish(c.namespaceID, changefeed.Change{ID: doc.ID, Type: changefeed.TypeDocumentDeleted, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]any{"id": doc.ID, "deleted": true})
}

func (s *Server) handleSyncChanges(w http.ResponseWriter, r *http.Request, c caller) {
	since, err := changefeed.ParseSince(r.URL.Query().Get("since"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), c.correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), changefeed.DefaultLimit, 1, changefeed.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", c.correlationID)
		return
	}
	resp, err := s.feed.Changes(r.Context(), c.namespaceID, since, limit)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	if resp.HasMore {
		s.logf("sync changes for %s truncated at %d", c.namespaceID, limit)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncApply(w http.ResponseWriter, r *http.Request, c caller) {
	var body changefeed.ApplyRequest
	if !s.decodeJSONBody(w, r, c.correlationID, &body) {
		return
	}
	resp, err := s.feed.Apply(r.Context(), changefeed.Caller{
		UserID:      c.claims.UserID(),
		TenantID:    c.claims.TenantID,
		NamespaceID: c.namespaceID,
	}, body.Changes)
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type uploadURLRequest struct {
	DocID    string `json:"doc_id"`
	Filename string `json:"filename"`
}

func (s *Server) handleSyncUploadURL(w http.ResponseWriter, r *http.Request, c caller) {
	var body uploadURLRequest
	if !s.decodeJSONBody(w, r, c.correlationID, &body) {
		return
	}
	var uploadURL, objectKey string
	err := s.namespaces.Do(r.Context(), c.namespaceID, func(ctx context.Context, rt *router.Router) error {
		var err error
		uploadURL, objectKey, err = rt.PresignUpload(ctx, body.DocID, body.Filename, s.cfg.UploadTTL)
		return err
	})
	if err != nil {
		s.writeDomainError(w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_url": uploadURL,
		"object_key": objectKey,
		"expires_at": time.Now().UTC().Add(s.cfg.UploadTTL),
	})
}

// handleBlob serves presigned GET and PUT requests; the signature is the
// only credential.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, correlationID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "blob routes accept GET and PUT", correlationID)
		return
	}
	key, err := storage.BlobKeyFromPath(r.URL.EscapedPath())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid blob key", correlationID)
		return
	}
	if err := s.signer.Verify(r.Method, key, r.URL.Query()); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if r.Method == http.MethodGet {
		data, info, err := s.blobs.Get(ctx, key)
		if err != nil {
			s.writeDomainError(w, err, correlationID)
			return
		}
		if info.ContentType != "" {
			w.Header().Set("Content-Type", info.ContentType)
		}
		if info.ETag != "" {
			w.Header().Set("ETag", strconv.Quote(info.ETag))
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	info, err := s.blobs.Put(ctx, key, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeDomainError maps the storage, router and namespace error taxonomy to
// HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var stepErr *router.StepError
	message := err.Error()
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", message, correlationID)
	case errors.Is(err, router.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", message, correlationID)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, namespace.ErrNotRegistered):
		writeError(w, http.StatusNotFound, "not_found", message, correlationID)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", message, correlationID)
	case errors.Is(err, namespace.ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", message, correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", message, correlationID)
	case errors.As(err, &stepErr):
		s.logf("request %s failed at %s: %v", correlationID, stepErr.Step, stepErr.Err)
		writeError(w, http.StatusInternalServerError, "internal_error", message, correlationID)
	default:
		s.logf("request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", message, correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
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
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min || value > max {
		return 0, fmt.Errorf("value out of range")
	}
	return value, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

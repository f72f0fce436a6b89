package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrUnreachable wraps transport failures that survived every retry.
var ErrUnreachable = errors.New("server unreachable")

const (
	ChangeDocumentCreated  = "document_created"
	ChangeDocumentUpdated  = "document_updated"
	ChangeDocumentDeleted  = "document_deleted"
	ChangeNamespaceUpdated = "namespace_updated"

	ResultApplied = "applied"
	ResultFailed  = "failed"

	NotificationReady   = "ready"
	NotificationChanges = "changes_available"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ApplyError is a change the server received and rejected.
type ApplyError struct {
	ChangeID string
	Message  string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("change %s rejected: %s", e.ChangeID, e.Message)
}

// Change is one entry of the server change feed.
type Change struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type ChangesResponse struct {
	Changes   []Change  `json:"changes"`
	Timestamp time.Time `json:"timestamp"`
	HasMore   bool      `json:"has_more"`
}

// OutgoingChange is a queued local operation in wire form.
type OutgoingChange struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type ApplyResult struct {
	ChangeID string         `json:"change_id"`
	Status   string         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type ApplyResponse struct {
	Results      []ApplyResult `json:"results"`
	AppliedCount int           `json:"applied_count"`
	FailedCount  int           `json:"failed_count"`
}

type UploadTicket struct {
	UploadURL string    `json:"upload_url"`
	ObjectKey string    `json:"object_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Notification is a server push telling the client its feed moved.
type Notification struct {
	Type       string    `json:"type"`
	ChangeID   string    `json:"change_id,omitempty"`
	ChangeType string    `json:"change_type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Remote is the server side of the sync protocol.
type Remote interface {
	Health(ctx context.Context) error
	Changes(ctx context.Context, since time.Time, limit int) (ChangesResponse, error)
	Apply(ctx context.Context, changes []OutgoingChange) (ApplyResponse, error)
	UploadURL(ctx context.Context, docID, filename string) (UploadTicket, error)
	PutBlob(ctx context.Context, uploadURL, contentType string, content []byte) error
}

// Notifier is implemented by remotes that can push change notifications.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Health issues a single unretried probe; the caller bounds it with ctx.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *HTTPClient) Changes(ctx context.Context, since time.Time, limit int) (ChangesResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ChangesResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync/changes?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) Apply(ctx context.Context, changes []OutgoingChange) (ApplyResponse, error) {
	var out ApplyResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/apply", nil, map[string]any{"changes": changes}, &out)
	return out, err
}

func (c *HTTPClient) UploadURL(ctx context.Context, docID, filename string) (UploadTicket, error) {
	var out UploadTicket
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/upload-url", nil, map[string]string{
		"doc_id":   docID,
		"filename": filename,
	}, &out)
	return out, err
}

// PutBlob uploads raw bytes to a presigned URL. The URL carries its own
// authorization so no bearer token is sent.
func (c *HTTPClient) PutBlob(ctx context.Context, uploadURL, contentType string, content []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.send(ctx, http.MethodPut, uploadURL, map[string]string{"Content-Type": contentType}, content, nil, false)
}

// Subscribe opens the notification stream. The returned channel closes when
// the connection drops or ctx ends.
func (c *HTTPClient) Subscribe(ctx context.Context) (<-chan Notification, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/sync/stream"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	out := make(chan Notification, 8)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var n Notification
			if err := wsjson.Read(ctx, conn, &n); err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	return c.send(ctx, method, c.baseURL+requestPath, headers, bodyBytes, out, true)
}

func (c *HTTPClient) send(
	ctx context.Context,
	method, target string,
	headers map[string]string,
	bodyBytes []byte,
	out any,
	authorize bool,
) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		if authorize && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/sync/changes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"changes":[],"timestamp":"2026-03-01T12:00:00Z","has_more":false}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	resp, err := client.Changes(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if !resp.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %s", resp.Timestamp)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientChangesForwardsCursor(t *testing.T) {
	since := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if got := r.URL.Query().Get("since"); got != "2026-02-01T08:30:00Z" {
			t.Errorf("expected since to be forwarded, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("expected limit 50, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"changes":[{"id":"doc_1","type":"document_created","timestamp":"2026-02-02T00:00:00Z","data":{"filename":"a.txt"}}],"timestamp":"2026-03-01T00:00:00Z","has_more":true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	resp, err := client.Changes(context.Background(), since, 50)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].Type != ChangeDocumentCreated {
		t.Fatalf("unexpected changes %+v", resp.Changes)
	}
	if resp.Changes[0].Data["filename"] != "a.txt" {
		t.Fatalf("expected change data to decode, got %+v", resp.Changes[0].Data)
	}
	if !resp.HasMore {
		t.Fatalf("expected has_more")
	}
}

func TestHTTPClientApplySendsChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sync/apply" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Changes []OutgoingChange `json:"changes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Changes) != 1 || body.Changes[0].Type != "delete_document" {
			t.Errorf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"change_id":"op_1","status":"applied","result":{"outcome":"deleted"}}],"applied_count":1,"failed_count":0}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	resp, err := client.Apply(context.Background(), []OutgoingChange{{ID: "op_1", Type: "delete_document", Data: map[string]any{"id": "doc_1"}}})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if resp.AppliedCount != 1 || resp.Results[0].Result["outcome"] != "deleted" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHTTPClientSurfacesErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"missing scope","correlationId":"c1"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.UploadURL(context.Background(), "doc_1", "a.txt")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTPClient(url, "token", nil)
	client.baseDelay = time.Millisecond
	client.maxDelay = time.Millisecond
	if err := client.Health(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected health to report unreachable, got %v", err)
	}
	if _, err := client.Changes(context.Background(), time.Time{}, 10); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected changes to report unreachable, got %v", err)
	}
}

func TestHTTPClientPutBlobOmitsBearerToken(t *testing.T) {
	var got []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("presigned upload must not carry a bearer token")
		}
		if r.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("expected content type to be forwarded, got %q", r.Header.Get("Content-Type"))
		}
		got, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient("http://api.invalid", "token", server.Client())
	if err := client.PutBlob(context.Background(), server.URL+"/v1/blobs/a?sig=x", "text/plain", []byte("hello")); err != nil {
		t.Fatalf("put blob failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected uploaded bytes, got %q", got)
	}
}

func TestHTTPClientSubscribeReceivesNotifications(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/stream" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, Notification{Type: NotificationReady})
		_ = wsjson.Write(ctx, conn, Notification{Type: NotificationChanges, ChangeID: "doc_1", ChangeType: ChangeDocumentCreated})
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := NewHTTPClient(server.URL, "token", nil)
	ch, err := client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	var received []Notification
	for n := range ch {
		received = append(received, n)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 notifications before close, got %+v", received)
	}
	if received[1].Type != NotificationChanges || received[1].ChangeID != "doc_1" {
		t.Fatalf("unexpected notification %+v", received[1])
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected Retry-After to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff of 400ms, got %s", got)
	}
}

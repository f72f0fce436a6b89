package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	BlobRoutePrefix   = "/v1/blobs/"
	defaultPresignTTL = 15 * time.Minute
)

var ErrSignatureInvalid = fmt.Errorf("%w: presigned url signature", ErrInvalidInput)

// Signer issues and checks expiring HMAC-signed blob URLs served by the API.
type Signer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

func NewSigner(secret, baseURL string) *Signer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		secret = "dev-presign-secret"
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &Signer{secret: []byte(secret), baseURL: baseURL, now: time.Now}
}

func (s *Signer) Sign(method, key string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("%w: presigning not configured", ErrNotImplemented)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method != http.MethodGet && method != http.MethodPut {
		return "", fmt.Errorf("%w: presign method %q", ErrInvalidInput, method)
	}
	if err := validateBlobKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	expires := s.now().UTC().Add(ttl).Unix()
	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.signature(method, key, expires))
	return s.baseURL + BlobRoutePrefix + escapeBlobKey(key) + "?" + q.Encode(), nil
}

// Verify checks a presigned request for key using the query parameters it carried.
func (s *Signer) Verify(method, key string, query url.Values) error {
	if s == nil {
		return fmt.Errorf("%w: presigning not configured", ErrNotImplemented)
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if !strings.EqualFold(query.Get("method"), method) {
		return ErrSignatureInvalid
	}
	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if s.now().UTC().Unix() > expires {
		return fmt.Errorf("%w: presigned url expired", ErrInvalidInput)
	}
	expected := s.signature(method, key, expires)
	if !hmac.Equal([]byte(strings.ToLower(query.Get("sig"))), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *Signer) signature(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(method))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(key))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func escapeBlobKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// BlobKeyFromPath extracts the blob key from an escaped request path under BlobRoutePrefix.
func BlobKeyFromPath(escapedPath string) (string, error) {
	if !strings.HasPrefix(escapedPath, BlobRoutePrefix) {
		return "", ErrInvalidInput
	}
	segments := strings.Split(strings.TrimPrefix(escapedPath, BlobRoutePrefix), "/")
	for i, segment := range segments {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			return "", ErrInvalidInput
		}
		segments[i] = decoded
	}
	key := strings.Join(segments, "/")
	if err := validateBlobKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validateBlobKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: blob key %q", ErrInvalidInput, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: blob key %q", ErrInvalidInput, key)
		}
	}
	return nil
}

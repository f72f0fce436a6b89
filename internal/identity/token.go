package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const DefaultAudience = "alem"

type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

func unauthorized(message string) *AuthError {
	return &AuthError{Status: 401, Code: "unauthorized", Message: message}
}

type Claims struct {
	Subject   string
	AccountID string
	TenantID  string
	DID       string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

// UserID is the account the caller acts as.
func (c Claims) UserID() string {
	if c.AccountID != "" {
		return c.AccountID
	}
	return c.Subject
}

func (c Claims) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	_, ok := c.Scopes[scope]
	return ok
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewVerifier(secret, audience string) *Verifier {
	if secret == "" {
		secret = "dev-secret"
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{secret: []byte(secret), audience: audience, now: time.Now}
}

func (v *Verifier) Authenticate(authHeader string) (Claims, *AuthError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return v.Verify(raw)
}

func (v *Verifier) Verify(raw string) (Claims, *AuthError) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return Claims{}, unauthorized("unsupported jwt algorithm")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(sigBytes, v.sign(parts[0]+"."+parts[1])) {
		return Claims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Claims{}, unauthorized("invalid jwt payload")
	}
	subject, _ := payload["sub"].(string)
	accountID, _ := payload["account_id"].(string)
	if subject == "" && accountID == "" {
		return Claims{}, unauthorized("missing sub claim")
	}
	tenantID, _ := payload["tenant_id"].(string)
	if tenantID == "" {
		return Claims{}, unauthorized("missing tenant_id claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return Claims{}, unauthorized("invalid exp claim")
	}
	if v.now().Unix() >= exp {
		return Claims{}, unauthorized("token expired")
	}
	if aud, ok := payload["aud"].(string); !ok || aud != v.audience {
		return Claims{}, unauthorized("invalid aud claim")
	}
	did, _ := payload["did"].(string)

	return Claims{
		Subject:   subject,
		AccountID: accountID,
		TenantID:  tenantID,
		DID:       did,
		Scopes:    parseScopes(payload["scopes"]),
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, nil
}

// Issue signs claims valid for ttl. It backs the development token command
// and tests.
func (v *Verifier) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.TenantID == "" || claims.UserID() == "" {
		return "", errors.New("token needs a tenant and a subject")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	payload := map[string]any{
		"sub":       claims.Subject,
		"tenant_id": claims.TenantID,
		"aud":       v.audience,
		"exp":       v.now().Add(ttl).Unix(),
	}
	if payload["sub"] == "" {
		payload["sub"] = claims.AccountID
	}
	if claims.AccountID != "" {
		payload["account_id"] = claims.AccountID
	}
	if claims.DID != "" {
		payload["did"] = claims.DID
	}
	if len(claims.Scopes) > 0 {
		scopes := make([]string, 0, len(claims.Scopes))
		for scope := range claims.Scopes {
			scopes = append(scopes, scope)
		}
		payload["scopes"] = scopes
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(v.sign(signingInput)), nil
}

func (v *Verifier) sign(input string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(input))
	return mac.Sum(nil)
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}

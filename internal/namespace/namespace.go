package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alemhq/alem/internal/router"
	"github.com/alemhq/alem/internal/storage"
)

var (
	ErrNotFound          = storage.ErrNotFound
	ErrInvalidInput      = storage.ErrInvalidInput
	ErrConflict          = storage.ErrConflict
	ErrUnauthorized      = router.ErrUnauthorized
	ErrAlreadyRegistered = errors.New("key already registered")
	ErrNotRegistered     = errors.New("key not registered")
	ErrUnavailable       = errors.New("namespace unavailable")
)

type OwnedElsewhereError struct {
	ID    string
	Owner string
}

func (e *OwnedElsewhereError) Error() string {
	return fmt.Sprintf("namespace %s is owned by %s", e.ID, e.Owner)
}

func (e *OwnedElsewhereError) Is(target error) bool {
	return target == ErrAlreadyRegistered || target == ErrUnavailable
}

type State string

const (
	StateStarting     State = "starting"
	StateInitializing State = "initializing"
	StateHealthy      State = "healthy"
	StateDegraded     State = "degraded"
	StateStopped      State = "stopped"
	// StateInactive describes a persisted namespace with no live coordinator.
	StateInactive State = "inactive"
)

type RecordStatus string

const (
	StatusActive    RecordStatus = "active"
	StatusSuspended RecordStatus = "suspended"
	StatusDeleted   RecordStatus = "deleted"
)

const (
	IdentityExternalAccount = "external-account"
	IdentityDID             = "did"
	IdentityHybrid          = "hybrid"
)

type Record struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Config            map[string]any `json:"config"`
	Status            RecordStatus   `json:"status"`
	DocumentCount     int64          `json:"document_count"`
	StorageBytes      int64          `json:"storage_bytes"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
	DID               string         `json:"did,omitempty"`
	IdentityType      string         `json:"identity_type"`
	ExternalAccountID string         `json:"external_account_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// OwnerID is the account the namespace's documents are attributed to.
func (r Record) OwnerID() string {
	if r.ExternalAccountID != "" {
		return r.ExternalAccountID
	}
	return r.ID
}

func (r Record) Clone() Record {
	r.Config = DeepMerge(nil, r.Config)
	return r
}

type StartRequest struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Config            map[string]any `json:"config"`
	DID               string         `json:"did,omitempty"`
	ExternalAccountID string         `json:"external_account_id,omitempty"`
	// Exact confines a merge to the record stored under ID. A DID or external
	// account that resolves to another namespace is a conflict.
	Exact bool `json:"-"`
}

func (req StartRequest) normalized() StartRequest {
	req.ID = strings.TrimSpace(req.ID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.DID = strings.TrimSpace(req.DID)
	req.ExternalAccountID = strings.TrimSpace(req.ExternalAccountID)
	return req
}

func (req StartRequest) validate() error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if req.ID == "" && req.DID == "" && req.ExternalAccountID == "" {
		return fmt.Errorf("%w: one of id, did or external account id is required", ErrInvalidInput)
	}
	if req.DID != "" && !ValidDID(req.DID) {
		return fmt.Errorf("%w: malformed did %q", ErrInvalidInput, req.DID)
	}
	return nil
}

func ValidDID(did string) bool {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return false
	}
	for _, r := range parts[1] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func identityTypeFor(did, external string) string {
	switch {
	case did != "" && external != "":
		return IdentityHybrid
	case did != "":
		return IdentityDID
	default:
		return IdentityExternalAccount
	}
}

// DeepMerge returns a new map holding base overlaid with override. Nested maps
// are merged key by key; any other override value replaces the base value.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for key, value := range base {
		out[key] = cloneValue(value)
	}
	for key, value := range override {
		overrideMap, overrideIsMap := value.(map[string]any)
		baseMap, baseIsMap := out[key].(map[string]any)
		if overrideIsMap && baseIsMap {
			out[key] = DeepMerge(baseMap, overrideMap)
			continue
		}
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return DeepMerge(nil, typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case nil, string, bool, float64, int, int64, json.Number:
		return typed
	default:
		payload, err := json.Marshal(typed)
		if err != nil {
			return typed
		}
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return typed
		}
		return decoded
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

package compliance

import (
	"errors"
	"fmt"
	"time"

	"github.com/bengobox/tenancy-service/internal/tenant"
)

var (
	// ErrConsentNotFound is returned when there is no live consent to revoke.
	ErrConsentNotFound = errors.New("consent not found or already revoked")
	// ErrRequestNotFound is returned for unknown data-subject requests.
	ErrRequestNotFound = errors.New("data subject request not found")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid compliance input")
)

// ConsentType is a purpose the user can consent to.
type ConsentType string

const (
	ConsentEssential  ConsentType = "essential"
	ConsentAnalytics  ConsentType = "analytics"
	ConsentMarketing  ConsentType = "marketing"
	ConsentThirdParty ConsentType = "third_party"
)

// ParseConsentType validates raw.
func ParseConsentType(raw string) (ConsentType, error) {
	switch c := ConsentType(raw); c {
	case ConsentEssential, ConsentAnalytics, ConsentMarketing, ConsentThirdParty:
		return c, nil
	}
	return "", fmt.Errorf("%w: consent type %q", ErrInvalidInput, raw)
}

// DataSubjectRight is a right a data subject can exercise.
type DataSubjectRight string

const (
	RightAccess        DataSubjectRight = "access"
	RightRectification DataSubjectRight = "rectification"
	RightErasure       DataSubjectRight = "erasure"
	RightPortability   DataSubjectRight = "portability"
	RightRestriction   DataSubjectRight = "restriction"
	RightObjection     DataSubjectRight = "objection"
)

// ParseRight validates raw.
func ParseRight(raw string) (DataSubjectRight, error) {
	switch r := DataSubjectRight(raw); r {
	case RightAccess, RightRectification, RightErasure, RightPortability, RightRestriction, RightObjection:
		return r, nil
	}
	return "", fmt.Errorf("%w: request type %q", ErrInvalidInput, raw)
}

// RequestStatus tracks a data-subject request through processing.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusRejected   RequestStatus = "rejected"
)

// ParseRequestStatus validates raw.
func ParseRequestStatus(raw string) (RequestStatus, error) {
	switch s := RequestStatus(raw); s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected:
		return s, nil
	}
	return "", fmt.Errorf("%w: request status %q", ErrInvalidInput, raw)
}

func (s RequestStatus) terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ConsentInput records a consent decision.
type ConsentInput struct {
	UserID      string      `json:"user_id"`
	Type        ConsentType `json:"consent_type"`
	Granted     bool        `json:"granted"`
	IPAddress   string      `json:"ip_address,omitempty"`
	UserAgent   string      `json:"user_agent,omitempty"`
	ConsentText string      `json:"consent_text,omitempty"`
}

// Consent is a stored consent decision with its client metadata decrypted.
type Consent struct {
	ID          int64       `json:"id"`
	UserID      string      `json:"user_id"`
	Type        ConsentType `json:"consent_type"`
	Granted     bool        `json:"granted"`
	GrantedAt   *time.Time  `json:"granted_at,omitempty"`
	RevokedAt   *time.Time  `json:"revoked_at,omitempty"`
	IPAddress   string      `json:"ip_address,omitempty"`
	UserAgent   string      `json:"user_agent,omitempty"`
	ConsentText string      `json:"consent_text,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RequestInput opens a data-subject request.
type RequestInput struct {
	UserID string           `json:"user_id"`
	Type   DataSubjectRight `json:"request_type"`
	Notes  string           `json:"notes,omitempty"`
}

// Request is a data-subject request.
type Request struct {
	ID          int64            `json:"id"`
	UserID      string           `json:"user_id"`
	Type        DataSubjectRight `json:"request_type"`
	Status      RequestStatus    `json:"status"`
	RequestedAt time.Time        `json:"requested_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ProcessedBy string           `json:"processed_by,omitempty"`
	Notes       string           `json:"notes,omitempty"`
}

// Export is everything held about a user in one tenant.
type Export struct {
	UserID     string         `json:"user_id"`
	TenantID   tenant.ID      `json:"tenant_id"`
	ExportedAt time.Time      `json:"exported_at"`
	Consents   []Consent      `json:"consents"`
	Requests   []Request      `json:"requests"`
	Data       map[string]any `json:"data"`
}

// AnonymizeResult reports what erasure touched.
type AnonymizeResult struct {
	UserID   string         `json:"user_id"`
	Consents int            `json:"consents"`
	Sources  map[string]int `json:"sources"`
}

// Package audit records security events: an append-only trail of
// authorization-relevant occurrences. Recording is best-effort; a failing
// store never affects the request that produced the event.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// EventType enumerates the security events the service records.
type EventType string

const (
	LoginSuccess          EventType = "login_success"
	LoginFailure          EventType = "login_failure"
	PasswordChange        EventType = "password_change"
	RoleChange            EventType = "role_change"
	PermissionChange      EventType = "permission_change"
	SecuritySettingUpdate EventType = "security_setting_update"
	AccessDenied          EventType = "access_denied"
)

// Outcome is the status column of an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeError   Outcome = "error"
)

// AnonymousSubject is recorded when no user could be attributed.
const AnonymousSubject = "anonymous"

// Origin describes where a request came from.
type Origin struct {
	IP        string
	UserAgent string
}

// Event is one immutable security event.
type Event struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId" validate:"required"`
	Type      EventType         `json:"eventType" validate:"required,oneof=login_success login_failure password_change role_change permission_change security_setting_update access_denied"`
	IPAddress string            `json:"ipAddress"`
	UserAgent string            `json:"userAgent,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Status    Outcome           `json:"status" validate:"required,oneof=success warning error"`
	CreatedAt time.Time         `json:"createdAt" validate:"required"`
}

// NewEvent stamps an event with the current time. Client-supplied origin
// fields are forced to valid UTF-8 and bounded in length.
func NewEvent(typ EventType, userID string, status Outcome, origin Origin) Event {
	return Event{
		UserID:    sanitize(strings.TrimSpace(userID), maxField),
		Type:      typ,
		Status:    status,
		IPAddress: sanitize(origin.IP, maxField),
		UserAgent: sanitize(origin.UserAgent, maxUserAgent),
		CreatedAt: time.Now().UTC(),
	}
}

// With returns a copy of e with key=value added to its details.
func (e Event) With(key, value string) Event {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[sanitize(key, maxField)] = sanitize(value, maxField)
	e.Details = details
	return e
}

var (
	// ErrInvalidEvent is returned when an event misses required fields.
	ErrInvalidEvent = errors.New("audit: invalid event")
	// ErrEventRejected is wrapped by stores that refuse one event's data while
	// remaining healthy. Such errors do not count toward opening the breaker.
	ErrEventRejected = errors.New("audit: event rejected by store")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the fields every persisted event must carry.
func Validate(e Event) error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidEvent, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Store persists events. Implementations must be safe for concurrent use.
type Store interface {
	AppendSecurityEvent(ctx context.Context, e Event) error
}

// Filter narrows a listing.
type Filter struct {
	UserID string
	Limit  int
}

// Reader lists recorded events, newest first.
type Reader interface {
	ListSecurityEvents(ctx context.Context, f Filter) ([]Event, error)
}

const (
	maxUserAgent = 512
	maxField     = 1024
)

// sanitize replaces invalid UTF-8 and cuts s to at most n bytes on a rune
// boundary.
func sanitize(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

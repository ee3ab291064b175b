package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bazaar-hub/gatekeeper/internal/obs"
)

// LogStore writes events as structured log lines. It is the store used when
// no database is configured.
type LogStore struct {
	logger *zerolog.Logger
}

// NewLogStore writes to l, or to the shared logger when l is nil.
func NewLogStore(l *zerolog.Logger) *LogStore {
	return &LogStore{logger: l}
}

// AppendSecurityEvent emits one audit line.
func (s *LogStore) AppendSecurityEvent(ctx context.Context, e Event) error {
	l := obs.Ctx(ctx)
	if s.logger != nil {
		l = *s.logger
	}
	details := zerolog.Dict()
	for k, v := range e.Details {
		details = details.Str(k, v)
	}
	l.Info().
		Str("type", "audit").
		Str("id", e.ID).
		Str("event", string(e.Type)).
		Str("user_id", e.UserID).
		Str("status", string(e.Status)).
		Str("ip", e.IPAddress).
		Str("user_agent", e.UserAgent).
		Dict("details", details).
		Str("created_at", e.CreatedAt.UTC().Format(time.RFC3339Nano)).
		Msg("security_event")
	return nil
}

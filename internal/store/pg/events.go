package pg

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
)

var (
	_ audit.Store  = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// AppendSecurityEvent inserts e. Rows are never updated or deleted.
func (s *Store) AppendSecurityEvent(ctx context.Context, e audit.Event) error {
	if s.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("%w: marshal details: %v", audit.ErrEventRejected, err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (id, user_id, event_type, ip_address, user_agent, details, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.UserID, string(e.Type), e.IPAddress, nullIfEmpty(e.UserAgent), details, string(e.Status), e.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && isDataError(pgErr.Code) {
		return fmt.Errorf("%w: %s", audit.ErrEventRejected, pgErr.Error())
	}
	return err
}

// isDataError matches SQLSTATE classes 22 (data exception) and 23 (integrity
// constraint violation), which concern the row rather than the server.
func isDataError(code string) bool {
	return strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23")
}

// ListSecurityEvents returns events newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	limit := clampLimit(f.Limit)
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, event_type, ip_address, coalesce(user_agent, ''), details, status, created_at
		from security_events
		where ($1 = '' or user_id = $1)
		order by created_at desc, id desc
		limit $2
	`, f.UserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e           audit.Event
			typ, status string
			rawDetails  []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.IPAddress, &e.UserAgent, &rawDetails, &status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = audit.EventType(typ)
		e.Status = audit.Outcome(status)
		if len(rawDetails) > 0 {
			if err := json.Unmarshal(rawDetails, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		if len(e.Details) == 0 {
			e.Details = nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultEventLimit
	case n > maxEventLimit:
		return maxEventLimit
	default:
		return n
	}
}

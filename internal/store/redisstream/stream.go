// Package redisstream keeps security events in a capped Redis stream.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
)

const (
	DefaultKey    = "gate:security_events"
	DefaultMaxLen = 100_000

	defaultLimit = 50
	maxLimit     = 500
	pageSize     = 200
	payloadField = "event"
)

var (
	_ audit.Store  = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

// Store appends events to one stream. Old entries are trimmed approximately
// once the stream exceeds maxLen.
type Store struct {
	rdb    redis.UniversalClient
	key    string
	maxLen int64
}

// New returns a store writing to key. Empty key and non-positive maxLen use defaults.
func New(rdb redis.UniversalClient, key string, maxLen int64) *Store {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Store{rdb: rdb, key: key, maxLen: maxLen}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) AppendSecurityEvent(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", audit.ErrEventRejected, err)
	}
	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"user_id":    e.UserID,
			"event_type": string(e.Type),
			payloadField: payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.key, err)
	}
	return nil
}

// ListSecurityEvents walks the stream from the newest entry, applying the
// user filter, until the limit is reached or the stream is exhausted.
func (s *Store) ListSecurityEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	out := make([]audit.Event, 0, limit)
	end := "+"
	for len(out) < limit {
		msgs, err := s.rdb.XRevRangeN(ctx, s.key, end, "-", pageSize).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, fmt.Errorf("xrevrange %s: %w", s.key, err)
		}
		for _, msg := range msgs {
			if f.UserID != "" && msg.Values["user_id"] != f.UserID {
				continue
			}
			e, err := decode(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		if len(msgs) < pageSize {
			break
		}
		prev, ok := previousID(msgs[len(msgs)-1].ID)
		if !ok {
			break
		}
		end = prev
	}
	return out, nil
}

func decode(msg redis.XMessage) (audit.Event, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return audit.Event{}, fmt.Errorf("stream entry %s has no payload", msg.ID)
	}
	var e audit.Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return audit.Event{}, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
	}
	return e, nil
}

// previousID returns the largest stream ID strictly below id.
func previousID(id string) (string, bool) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		return "", false
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", false
	}
	if seq > 0 {
		return fmt.Sprintf("%d-%d", ms, seq-1), true
	}
	if ms == 0 {
		return "", false
	}
	return fmt.Sprintf("%d-%d", ms-1, uint64(1<<64-1)), true
}

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bazaar-hub/gatekeeper/internal/ids"
	"github.com/bazaar-hub/gatekeeper/internal/obs"
)

// Config tunes the recorder.
type Config struct {
	BufferSize       int
	WriteTimeout     time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:       1024,
		WriteTimeout:     2 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Recorder accepts events without blocking and persists them from a single
// worker started by Serve. When the buffer is full the event is dropped.
// Store errors are logged and counted, never returned.
type Recorder struct {
	store   Store
	cfg     Config
	ch      chan Event
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewRecorder builds a recorder writing to store.
func NewRecorder(store Store, cfg Config) *Recorder {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "audit-store",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: storeHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.SetAuditBreakerOpen(to == gobreaker.StateOpen)
			l := obs.Logger()
			l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("audit store breaker state change")
		},
	})
	return &Recorder{
		store:   store,
		cfg:     cfg,
		ch:      make(chan Event, cfg.BufferSize),
		breaker: breaker,
	}
}

// Record validates e and queues it. It never blocks and never fails the caller.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	l := obs.Ctx(ctx)
	if err := Validate(e); err != nil {
		obs.ObserveSecurityEvent("rejected")
		l.Error().Err(err).Str("event_type", string(e.Type)).Msg("security event rejected")
		return
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.CreatedAt)
	}
	select {
	case r.ch <- e:
	default:
		obs.ObserveSecurityEvent("dropped")
		l.Warn().Str("event_id", e.ID).Str("event_type", string(e.Type)).Msg("security event dropped: buffer full")
	}
}

// Serve persists queued events until ctx is cancelled, then drains what is
// left in the buffer. It satisfies suture.Service.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case e := <-r.ch:
			r.persist(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.persist(e)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// storeHealthy reports whether err leaves the store's health untouched:
// a per-event rejection says nothing about availability.
func storeHealthy(err error) bool {
	return err == nil || errors.Is(err, ErrEventRejected)
}

func (r *Recorder) String() string { return "audit-recorder" }

// Pending returns the number of queued events.
func (r *Recorder) Pending() int { return len(r.ch) }

func (r *Recorder) persist(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (_ struct{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("audit store panic: %v", p)
			}
		}()
		return struct{}{}, r.store.AppendSecurityEvent(ctx, e)
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, ErrEventRejected) {
			result = "rejected"
		}
		obs.ObserveSecurityEvent(result)
		l := obs.Logger()
		l.Error().Err(err).
			Str("event_id", e.ID).
			Str("event_type", string(e.Type)).
			Str("user_id", e.UserID).
			Msg("security event write failed")
		return
	}
	obs.ObserveSecurityEvent("recorded")
}

// Package events publishes the engine's audit trail: parameter changes,
// price updates, liquidations and stop-loss triggers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind names an event type.
type Kind string

const (
	KindParamsInitialized  Kind = "params_initialized"
	KindParamsUpdated      Kind = "params_updated"
	KindPriceUpdated       Kind = "price_updated"
	KindVolatilityUpdated  Kind = "volatility_updated"
	KindLTVAdjusted        Kind = "ltv_adjusted"
	KindPositionChanged    Kind = "position_changed"
	KindHealthChanged      Kind = "health_changed"
	KindLiquidation        Kind = "liquidation"
	KindStopLossEnabled    Kind = "stop_loss_enabled"
	KindStopLossDisabled   Kind = "stop_loss_disabled"
	KindStopLossTriggered  Kind = "stop_loss_triggered"
	KindBorrowLimitChanged Kind = "borrow_limit_changed"
)

// Event is one audit record. Data is a JSON object specific to Kind.
type Event struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// New stamps a fresh event. Data that fails to encode is dropped rather than
// failing the caller.
func New(kind Kind, subject string, at time.Time, data any) Event {
	e := Event{ID: uuid.NewString(), Kind: kind, Subject: subject, At: at.UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Sink receives events. Publish must not block on slow consumers.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to a zerolog logger.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher wraps logger.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("kind", string(e.Kind)).
		Str("subject", e.Subject).
		Time("at", e.At).
		RawJSON("data", orEmpty(e.Data)).
		Msg("risk event")
	return nil
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// Async buffers events in a channel drained by Run. Publish never blocks: when
// the buffer is full the event is counted as dropped.
type Async struct {
	next   Sink
	ch     chan Event
	logger zerolog.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewAsync creates a buffer of the given size in front of next.
func NewAsync(next Sink, size int, logger zerolog.Logger) *Async {
	if size <= 0 {
		size = 1
	}
	return &Async{next: next, ch: make(chan Event, size), logger: logger}
}

func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case a.ch <- e:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn().Str("kind", string(e.Kind)).Msg("event buffer full, dropping")
	}
	return nil
}

// Dropped reports how many events overflowed the buffer.
func (a *Async) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run forwards buffered events until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case e := <-a.ch:
			a.forward(ctx, e)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Async) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-a.ch:
			a.forward(ctx, e)
		default:
			return
		}
	}
}

func (a *Async) forward(ctx context.Context, e Event) {
	if err := a.next.Publish(ctx, e); err != nil {
		a.logger.Error().Err(err).Str("event_id", e.ID).Str("kind", string(e.Kind)).Msg("publish event")
	}
}

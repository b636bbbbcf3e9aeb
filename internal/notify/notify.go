package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"deliverline/internal/domain"
	"deliverline/internal/metrics"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Message is the wire form of an audit event sent to every sink.
type Message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// NewMessage converts a stored event. Payloads that are not valid JSON are
// passed through as raw text.
func NewMessage(evt domain.Event) Message {
	m := Message{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			m.Payload = json.RawMessage(evt.Payload)
		} else {
			m.PayloadRaw = evt.Payload
		}
	}
	return m
}

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	// Accepts reports whether the sink subscribes to an event type.
	Accepts(evtType string) bool
	Send(ctx context.Context, msg Message) error
}

// EventSource is the read side of the event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher polls the event log and fans new events out to its sinks. Each
// sink keeps its own cursor, starting at the log head when first seen, and a
// failed delivery is retried on the next tick.
type Dispatcher struct {
	Source   EventSource
	Sinks    []Sink
	Interval time.Duration
	Logger   *zap.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

func NewDispatcher(src EventSource, sinks []Sink, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Source:   src,
		Sinks:    sinks,
		Interval: interval,
		Logger:   logger,
		cursors:  make(map[string]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.Sinks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one delivery pass over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sink := range d.Sinks {
		d.dispatch(ctx, sink)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sink Sink) {
	cursor, err := d.cursorFor(ctx, sink.Name())
	if err != nil {
		d.Logger.Warn("notify: init cursor failed", zap.String("sink", sink.Name()), zap.Error(err))
		return
	}
	evts, err := d.Source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		d.Logger.Warn("notify: fetch events failed", zap.String("sink", sink.Name()), zap.Error(err))
		return
	}
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			d.setCursor(sink.Name(), evt.ID)
			continue
		}
		if err := sink.Send(ctx, NewMessage(evt)); err != nil {
			metrics.RecordNotifyDelivery(sink.Name(), "error")
			d.Logger.Warn("notify: delivery failed",
				zap.String("sink", sink.Name()),
				zap.Int64("event_id", evt.ID),
				zap.String("type", evt.Type),
				zap.Error(err))
			return
		}
		metrics.RecordNotifyDelivery(sink.Name(), "ok")
		d.setCursor(sink.Name(), evt.ID)
	}
}

// Cursor reports the last event delivered or skipped for a sink.
func (d *Dispatcher) Cursor(name string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[name]
	return cur, ok
}

// SetCursor positions a sink's cursor, e.g. to replay from the start.
func (d *Dispatcher) SetCursor(name string, value int64) {
	d.setCursor(name, value)
}

func (d *Dispatcher) cursorFor(ctx context.Context, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[name]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[name] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(name string, value int64) {
	d.mu.Lock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	d.cursors[name] = value
	d.mu.Unlock()
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

// match accepts exact types and "prefix.*" patterns.
func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for key := range f.set {
		if strings.HasSuffix(key, ".*") && strings.HasPrefix(evt, strings.TrimSuffix(key, "*")) {
			return true
		}
	}
	return false
}

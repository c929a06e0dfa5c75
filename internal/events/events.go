package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liquidityVault/internal/metrics"
	"liquidityVault/internal/model"
)

// Publisher delivers one event to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Emitter is what vault components depend on. Emission never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, ev model.Event)
}

// Emit is a nil-safe helper for components with an optional emitter.
func Emit(ctx context.Context, e Emitter, ev model.Event) {
	if e == nil {
		return
	}
	e.Emit(ctx, ev)
}

type namedSink struct {
	name string
	pub  Publisher
}

// Bus stamps events and fans them out to every registered sink.
type Bus struct {
	mu      sync.RWMutex
	sinks   []namedSink
	now     func() time.Time
	metrics *metrics.VaultMetrics
	logger  *zap.Logger
}

func NewBus(m *metrics.VaultMetrics, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{now: time.Now, metrics: m, logger: logger}
}

// AddSink registers a named publisher.
func (b *Bus) AddSink(name string, pub Publisher) {
	if pub == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, namedSink{name: name, pub: pub})
	b.mu.Unlock()
}

// Emit assigns an id and timestamp and publishes to all sinks. Sink failures are logged.
func (b *Bus) Emit(ctx context.Context, ev model.Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EmittedAt == "" {
		ev.EmittedAt = b.now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.RLock()
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, sink := range sinks {
		err := sink.pub.Publish(ctx, ev)
		b.metrics.ObserveEvent(string(ev.Type), sink.name, err)
		if err != nil {
			b.logger.Warn("event publish failed",
				zap.String("sink", sink.name),
				zap.String("type", string(ev.Type)),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
	}
}

// Recorder keeps events in memory. Used as a sink in tests and by the API's recent-events view.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
	limit  int
}

// NewRecorder keeps at most limit events; 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append([]model.Event(nil), r.events[len(r.events)-r.limit:]...)
	}
	return nil
}

// Emit lets a Recorder stand in for a Bus.
func (r *Recorder) Emit(ctx context.Context, ev model.Event) {
	_ = r.Publish(ctx, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Package event fans decoded inbound messages out to application handlers
// through a static topic-to-event table.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/metrics"
	"github.com/HerbHall/stationlink/pkg/models"
)

// Event is what handlers receive.
type Event struct {
	Name string `json:"name"`
	// Topic is the transport topic the event came from; empty for locally
	// emitted events.
	Topic   string          `json:"topic,omitempty"`
	Payload any             `json:"payload"`
	Raw     json.RawMessage `json:"-"`
	At      time.Time       `json:"at"`
}

// Decode unmarshals the original JSON payload into v.
func (e Event) Decode(v any) error {
	if len(e.Raw) > 0 {
		return json.Unmarshal(e.Raw, v)
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Handler reacts to an event.
type Handler func(ctx context.Context, e Event)

// HandlerID identifies a registration so it can be removed again.
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
	box     *mailbox
}

// Dispatcher is a typed registry from event name to ordered handlers.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	nextID  atomic.Uint64

	mu       sync.RWMutex
	handlers map[string][]*registration
	all      []*registration
	closed   bool
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]*registration),
	}
}

// On registers h for name. Handlers registered with On run synchronously on
// the emitting goroutine, in registration order. Registering on a closed
// dispatcher is a no-op that returns 0.
func (d *Dispatcher) On(name string, h Handler) HandlerID {
	return d.register(name, h, false)
}

// OnIsolated registers h for name on its own goroutine. Events reach h in
// emission order, and a slow h never delays other handlers or the inbound
// path.
func (d *Dispatcher) OnIsolated(name string, h Handler) HandlerID {
	return d.register(name, h, true)
}

// OnAll registers h for every event name.
func (d *Dispatcher) OnAll(h Handler) HandlerID {
	return d.register("", h, false)
}

func (d *Dispatcher) register(name string, h Handler, isolated bool) HandlerID {
	reg := &registration{
		id:      HandlerID(d.nextID.Add(1)),
		handler: h,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Warn("handler registered on closed dispatcher", zap.String("event", name))
		return 0
	}
	if isolated {
		reg.box = newMailbox(d.ctx, name, h, d.logger)
	}
	if name == "" {
		d.all = append(d.all, reg)
	} else {
		d.handlers[name] = append(d.handlers[name], reg)
	}
	return reg.id
}

// Off removes the registration id from name ("" for OnAll registrations).
// It reports whether a handler was removed.
func (d *Dispatcher) Off(name string, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.all
	if name != "" {
		list = d.handlers[name]
	}
	for i, reg := range list {
		if reg.id != id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if name == "" {
			d.all = list
		} else if len(list) == 0 {
			delete(d.handlers, name)
		} else {
			d.handlers[name] = list
		}
		if reg.box != nil {
			reg.box.stop()
		}
		return true
	}
	return false
}

// Emit invokes every handler registered for name with payload.
func (d *Dispatcher) Emit(ctx context.Context, name string, payload any) {
	d.dispatch(ctx, Event{
		Name:    name,
		Payload: payload,
		At:      time.Now().UTC(),
	})
}

// EmitConnectivity emits change under ConnectivityChanged and under the
// state name.
func (d *Dispatcher) EmitConnectivity(ctx context.Context, change models.ConnectivityChange) {
	d.dispatch(ctx, Event{Name: ConnectivityChanged, Payload: change, At: change.At})
	d.dispatch(ctx, Event{Name: string(change.State), Payload: change, At: change.At})
}

// Deliver maps an inbound message to its application events and emits them in
// table order. Unknown topics are logged and dropped.
func (d *Dispatcher) Deliver(msg models.InboundMessage) {
	names := topicEvents[msg.Topic]
	if len(names) == 0 {
		d.metrics.IncDropped("unknown_topic")
		d.logger.Debug("dropping message for unknown topic", zap.String("topic", msg.Topic))
		return
	}
	for _, name := range names {
		d.dispatch(d.ctx, Event{
			Name:    name,
			Topic:   msg.Topic,
			Payload: msg.Payload,
			Raw:     msg.Raw,
			At:      msg.ReceivedAt,
		})
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, e Event) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	regs := make([]*registration, 0, len(d.handlers[e.Name])+len(d.all))
	regs = append(regs, d.handlers[e.Name]...)
	regs = append(regs, d.all...)
	d.mu.RUnlock()

	d.metrics.IncDispatched(e.Name)
	for _, reg := range regs {
		if reg.box != nil {
			reg.box.push(ctx, e)
			continue
		}
		invoke(ctx, d.logger, reg.handler, e)
	}
}

// HandlerCount returns the number of handlers registered for name.
func (d *Dispatcher) HandlerCount(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// Close stops isolated handlers and drops further emissions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var boxes []*mailbox
	for _, regs := range d.handlers {
		for _, reg := range regs {
			if reg.box != nil {
				boxes = append(boxes, reg.box)
			}
		}
	}
	d.handlers = make(map[string][]*registration)
	d.all = nil
	d.mu.Unlock()

	d.cancel()
	for _, b := range boxes {
		b.stop()
	}
}

// invoke runs h, recovering from panics so one bad handler cannot take down
// the dispatch path.
func invoke(ctx context.Context, logger *zap.Logger, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				zap.String("event", e.Name),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

package messaging

import (
	"context"

	"github.com/HerbHall/stationlink/pkg/models"
)

// Handlers are the callbacks a Transport invokes for one session. OnMessage
// must be called sequentially in wire order.
type Handlers struct {
	OnMessage func(topic string, payload []byte)
	// OnLost is called at most once when the session drops without Close.
	OnLost func(err error)
}

// Transport opens sessions to a backend node.
type Transport interface {
	Dial(ctx context.Context, ep models.Endpoint, h Handlers) (Session, error)
}

// Session is one live transport connection.
type Session interface {
	// Subscribe blocks until the node acknowledges or rejects the topic.
	Subscribe(ctx context.Context, topic string) error
	// Publish sends payload without waiting for delivery.
	Publish(topic string, payload []byte) error
	Close()
}

// Sink receives decoded inbound messages, one at a time, in wire order.
type Sink interface {
	Deliver(msg models.InboundMessage)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg models.InboundMessage)

// Deliver implements Sink.
func (f SinkFunc) Deliver(msg models.InboundMessage) {
	f(msg)
}

package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/pkg/models"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func inbound(topic, raw string) models.InboundMessage {
	var payload any
	_ = json.Unmarshal([]byte(raw), &payload)
	return models.InboundMessage{
		Topic:      topic,
		Payload:    payload,
		Raw:        json.RawMessage(raw),
		ReceivedAt: time.Now().UTC(),
	}
}

func TestEmitOn(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var received Event

	d.On("test.event", func(ctx context.Context, e Event) {
		received = e
	})

	d.Emit(context.Background(), "test.event", "hello")

	if received.Name != "test.event" {
		t.Errorf("received.Name = %q, want %q", received.Name, "test.event")
	}
	if received.Payload != "hello" {
		t.Errorf("received.Payload = %v, want %q", received.Payload, "hello")
	}
}

func TestOnAll(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32

	d.OnAll(func(ctx context.Context, e Event) {
		atomic.AddInt32(&count, 1)
	})

	d.Emit(context.Background(), "a", nil)
	d.Emit(context.Background(), "b", nil)

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("OnAll handler called %d times, want 2", got)
	}
}

func TestOff(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32

	id := d.On("test", func(ctx context.Context, e Event) {
		atomic.AddInt32(&count, 1)
	})

	d.Emit(context.Background(), "test", nil)
	if !d.Off("test", id) {
		t.Fatal("Off() = false, want true")
	}
	d.Emit(context.Background(), "test", nil)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("handler called %d times after Off, want 1", got)
	}
	if d.Off("test", id) {
		t.Error("second Off() = true, want false")
	}
	if n := d.HandlerCount("test"); n != 0 {
		t.Errorf("HandlerCount = %d, want 0", n)
	}
}

func TestOffAll(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32

	id := d.OnAll(func(ctx context.Context, e Event) {
		atomic.AddInt32(&count, 1)
	})

	d.Emit(context.Background(), "test", nil)
	d.Off("", id)
	d.Emit(context.Background(), "test", nil)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("handler called %d times after Off, want 1", got)
	}
}

func TestRegistrationOrder(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var order []int

	for i := 1; i <= 3; i++ {
		d.On("ordered", func(ctx context.Context, e Event) {
			order = append(order, i)
		})
	}
	d.Emit(context.Background(), "ordered", nil)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestHandlerPanicRecovery(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32

	d.On("panic.test", func(ctx context.Context, e Event) {
		panic("test panic")
	})
	d.On("panic.test", func(ctx context.Context, e Event) {
		atomic.AddInt32(&count, 1)
	})

	// Should not panic, and second handler should still run.
	d.Emit(context.Background(), "panic.test", nil)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("second handler called %d times, want 1", got)
	}
}

func TestNoHandlersOK(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	d.Emit(context.Background(), "empty", nil)
}

func TestDeliver_SingleTopicExactlyOnce(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var got []Event

	d.On(QueueUpdate, func(ctx context.Context, e Event) {
		got = append(got, e)
	})

	d.Deliver(inbound(QueueUpdate, `{"destination":"Tunis","count":4}`))

	if len(got) != 1 {
		t.Fatalf("queue_update received %d times, want 1", len(got))
	}
	var body struct {
		Destination string `json:"destination"`
		Count       int    `json:"count"`
	}
	if err := got[0].Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body.Destination != "Tunis" || body.Count != 4 {
		t.Errorf("decoded = %+v", body)
	}
	if got[0].Topic != QueueUpdate {
		t.Errorf("Topic = %q, want %q", got[0].Topic, QueueUpdate)
	}
}

func TestDeliver_FanOut(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var names []string

	d.OnAll(func(ctx context.Context, e Event) {
		names = append(names, e.Name)
	})

	d.Deliver(inbound(SeatAvailabilityChanged, `{"seats":3}`))

	want := []string{SeatAvailabilityChanged, DashboardUpdate, UIRefreshRequired}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDeliver_UnknownTopicDropped(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32
	d.OnAll(func(ctx context.Context, e Event) {
		atomic.AddInt32(&count, 1)
	})

	d.Deliver(inbound("future_topic", `{}`))

	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("handlers called %d times for unknown topic, want 0", got)
	}
}

func TestOnIsolated_SlowHandlerDoesNotBlock(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	defer d.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen []int

	wg.Add(3)
	d.OnIsolated("slow", func(ctx context.Context, e Event) {
		<-release
		mu.Lock()
		seen = append(seen, e.Payload.(int))
		mu.Unlock()
		wg.Done()
	})
	var fast int32
	d.On("slow", func(ctx context.Context, e Event) {
		atomic.AddInt32(&fast, 1)
	})

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 3; i++ {
			d.Emit(context.Background(), "slow", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on an isolated handler")
	}
	if got := atomic.LoadInt32(&fast); got != 3 {
		t.Errorf("fast handler called %d times, want 3", got)
	}

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Errorf("isolated handler order = %v, want [1 2 3]", seen)
	}
}

func TestEmitConnectivity(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var names []string
	d.OnAll(func(ctx context.Context, e Event) {
		names = append(names, e.Name)
	})

	d.EmitConnectivity(context.Background(), models.ConnectivityChange{
		State: models.ConnectivityDegraded,
		At:    time.Now(),
	})

	if len(names) != 2 || names[0] != ConnectivityChanged || names[1] != "degraded" {
		t.Errorf("names = %v, want [connectivity_changed degraded]", names)
	}
}

func TestClose(t *testing.T) {
	d := NewDispatcher(testLogger(), nil)
	var count int32
	d.On("x", func(ctx context.Context, e Event) { atomic.AddInt32(&count, 1) })

	d.Close()
	d.Close()
	d.Emit(context.Background(), "x", nil)

	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("handler called %d times after Close, want 0", got)
	}
	if id := d.On("x", func(context.Context, Event) {}); id != 0 {
		t.Errorf("On after Close returned %d, want 0", id)
	}
}

func TestEventsForTopic_ReturnsCopy(t *testing.T) {
	names := EventsForTopic(QueueUpdate)
	names[0] = "mutated"
	if EventsForTopic(QueueUpdate)[0] != QueueUpdate {
		t.Error("EventsForTopic leaked the static table")
	}
	if EventsForTopic("nope") != nil {
		t.Error("unknown topic should map to nil")
	}
	for _, topic := range DefaultTopics {
		if !KnownTopic(topic) {
			t.Errorf("default topic %q missing from table", topic)
		}
	}
}

package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/HerbHall/stationlink/internal/messaging"
	"github.com/HerbHall/stationlink/pkg/models"
)

// ErrDialRefused is the default error returned by scripted dial failures.
var ErrDialRefused = errors.New("fake: connection refused")

// FakeTransport is an in-memory messaging.Transport. Dials succeed unless
// scripted otherwise, and every session is recorded for inspection.
type FakeTransport struct {
	mu        sync.Mutex
	failNext  int
	failErr   error
	dialErr   error
	dialDelay time.Duration
	rejected  map[string]error
	onSub     func(s *FakeSession, topic string)
	dials     []models.Endpoint
	sessions  []*FakeSession
}

// NewFakeTransport returns a transport whose dials succeed.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{rejected: make(map[string]error)}
}

// FailNext makes the next n dials fail with err (ErrDialRefused if nil).
func (t *FakeTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	t.failNext = n
	t.failErr = err
}

// SetDialError makes every dial fail with err until cleared with nil.
func (t *FakeTransport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// SetDialDelay makes dials take d (honoring ctx).
func (t *FakeTransport) SetDialDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialDelay = d
}

// RejectTopic makes subscriptions to topic fail with err; nil accepts again.
func (t *FakeTransport) RejectTopic(topic string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.rejected, topic)
		return
	}
	t.rejected[topic] = err
}

// OnSubscribe installs a hook run inside every Subscribe call, before it
// returns.
func (t *FakeTransport) OnSubscribe(fn func(s *FakeSession, topic string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSub = fn
}

// Dial implements messaging.Transport.
func (t *FakeTransport) Dial(ctx context.Context, ep models.Endpoint, h messaging.Handlers) (messaging.Session, error) {
	t.mu.Lock()
	t.dials = append(t.dials, ep)
	delay := t.dialDelay
	var err error
	switch {
	case t.dialErr != nil:
		err = t.dialErr
	case t.failNext > 0:
		t.failNext--
		err = t.failErr
	}
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &FakeSession{Endpoint: ep, transport: t, handlers: h}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s, nil
}

// Dials returns every endpoint dialed, in order.
func (t *FakeTransport) Dials() []models.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Endpoint(nil), t.dials...)
}

// Sessions returns every session opened, in order.
func (t *FakeTransport) Sessions() []*FakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeSession(nil), t.sessions...)
}

// Last returns the most recent session, or nil.
func (t *FakeTransport) Last() *FakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// Published is one message sent through a FakeSession.
type Published struct {
	Topic   string
	Payload []byte
}

// FakeSession records subscribe and publish calls and lets tests inject
// inbound traffic or a dropped connection.
type FakeSession struct {
	Endpoint models.Endpoint

	transport *FakeTransport
	handlers  messaging.Handlers

	// deliverMu keeps injected messages sequential, as a real transport does.
	deliverMu sync.Mutex

	mu        sync.Mutex
	requests  []string
	published []Published
	closed    bool
	lost      bool
}

// Subscribe implements messaging.Session.
func (s *FakeSession) Subscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	s.requests = append(s.requests, topic)
	s.mu.Unlock()

	s.transport.mu.Lock()
	rejectErr := s.transport.rejected[topic]
	hook := s.transport.onSub
	s.transport.mu.Unlock()

	if hook != nil {
		hook(s, topic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return rejectErr
}

// Publish implements messaging.Session.
func (s *FakeSession) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("fake: session closed")
	}
	s.published = append(s.published, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Close implements messaging.Session.
func (s *FakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Deliver injects an inbound message. It is a no-op on a closed session.
func (s *FakeSession) Deliver(topic string, payload []byte) {
	if s.Closed() || s.handlers.OnMessage == nil {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.handlers.OnMessage(topic, payload)
}

// DeliverJSON marshals v and injects it on topic.
func (s *FakeSession) DeliverJSON(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic("testutil.DeliverJSON: " + err.Error())
	}
	s.Deliver(topic, b)
}

// Drop simulates the node going away. OnLost fires at most once.
func (s *FakeSession) Drop(err error) {
	s.mu.Lock()
	if s.lost || s.closed {
		s.mu.Unlock()
		return
	}
	s.lost = true
	s.mu.Unlock()
	if err == nil {
		err = errors.New("fake: connection reset")
	}
	if s.handlers.OnLost != nil {
		s.handlers.OnLost(err)
	}
}

// SubscribeRequests returns every topic requested on this session, in order.
func (s *FakeSession) SubscribeRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Published returns every message published on this session.
func (s *FakeSession) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

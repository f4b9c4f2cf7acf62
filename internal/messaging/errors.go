package messaging

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Publish when the client is not Connected.
var ErrNotConnected = errors.New("messaging: not connected")

// DecodeError describes an inbound payload that could not be decoded.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message on %q: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SubscriptionError reports a subscription the node rejected or that timed
// out. The topic stays in the desired set and is retried on the next connect.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %q: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

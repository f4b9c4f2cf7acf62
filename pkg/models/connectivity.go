package models

import (
	"encoding/json"
	"time"
)

// ConnectivityState is the application-facing view of the backend link.
type ConnectivityState string

const (
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityDegraded     ConnectivityState = "degraded"
	ConnectivityReconnecting ConnectivityState = "reconnecting"
	ConnectivityDisconnected ConnectivityState = "disconnected"
)

// ConnectivityChange is the payload of connectivity state events.
type ConnectivityChange struct {
	State    ConnectivityState `json:"state"`
	Endpoint *Endpoint         `json:"endpoint,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

// InboundMessage is a decoded message received from the backend node.
type InboundMessage struct {
	Topic      string          `json:"topic"`
	Payload    any             `json:"payload"`
	Raw        json.RawMessage `json:"-"`
	ReceivedAt time.Time       `json:"received_at"`
}

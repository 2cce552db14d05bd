package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies what kind of event is being broadcast.
type EventType string

const (
	// EventTypeScan is emitted once per handled request with the verdict
	// and detected categories; matched text is never included.
	EventTypeScan EventType = "scan"
	// EventTypeSystem carries component status changes.
	EventTypeSystem EventType = "system_status"
	// EventTypeConnection announces client connects and disconnects.
	EventTypeConnection EventType = "connection"
)

// Event is the envelope pushed to dashboard clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SystemEvent reports a component availability change.
type SystemEvent struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// ConnectionEvent announces a client joining or leaving the hub.
type ConnectionEvent struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id"`
}

// SubscriptionRequest narrows which event types a client receives.
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// ClientMessage is an inbound message from a dashboard client.
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Client is one connected dashboard session.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	ConnectedAt  time.Time
	IP           string
	Subscription *SubscriptionRequest
}

package models

import (
	"encoding/json"
	"time"
)

// WSMessageType defines WebSocket message types.
type WSMessageType string

const (
	// Client to server
	WSTypeSubscribe WSMessageType = "subscribe"

	// Server to client
	WSTypeSubscribed   WSMessageType = "subscribed"
	WSTypeNotification WSMessageType = "notification"
	WSTypeError        WSMessageType = "error"
)

// WSMessage is the envelope of every frame on the notification stream.
type WSMessage struct {
	Type      WSMessageType   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SubscribeMessage narrows the stream to a set of collections. An empty
// list subscribes to all of them.
type SubscribeMessage struct {
	Collections []string `json:"collections"`
}

// NotificationType classifies a change pushed to watching editors.
type NotificationType string

const (
	NotifyLocked    NotificationType = "locked"
	NotifyUnlocked  NotificationType = "unlocked"
	NotifyTakenOver NotificationType = "taken_over"
	NotifySaved     NotificationType = "saved"
	NotifyCreated   NotificationType = "created"
	NotifyArchived  NotificationType = "archived"
	NotifyDeleted   NotificationType = "deleted"
	NotifyReordered NotificationType = "reordered"
	NotifyStatus    NotificationType = "status"
)

// Notification tells other editors that a resource changed and should be
// re-fetched. It never carries content.
type Notification struct {
	Type     NotificationType `json:"type"`
	Resource ResourceKey      `json:"resource"`
	Editor   string           `json:"editor"`
	Items    []string         `json:"items,omitempty"`
	At       time.Time        `json:"at"`
}

// ErrorMessage is sent before the server drops a misbehaving client.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

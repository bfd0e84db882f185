package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewWSMessage wraps payload in an envelope of the given type.
func NewWSMessage(typ WSMessageType, payload any) (*WSMessage, error) {
	msg := &WSMessage{Type: typ, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// ParseWSMessage parses a raw WebSocket message.
func ParseWSMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse ws message: %w", err)
	}
	return &msg, nil
}

// ParseMessageData parses the data field based on message type.
func ParseMessageData(msg *WSMessage) (any, error) {
	switch msg.Type {
	case WSTypeSubscribe:
		var data SubscribeMessage
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return nil, fmt.Errorf("parse subscribe message: %w", err)
			}
		}
		return &data, nil

	case WSTypeNotification:
		var data Notification
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse notification: %w", err)
		}
		return &data, nil

	case WSTypeError:
		var data ErrorMessage
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse error message: %w", err)
		}
		return &data, nil

	case WSTypeSubscribed:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

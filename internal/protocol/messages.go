package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket client payload variants.
type MessageType string

const (
	TypeClientTurn   MessageType = "turn"
	TypeClientCancel MessageType = "cancel"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTurn carries a user turn over the websocket transport.
type ClientTurn struct {
	Type MessageType `json:"type"`
	TurnRequest
}

// ClientCancel aborts the in-flight turn, or cancels a collection when
// SessionID is set.
type ClientCancel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTurn:
		var msg ClientTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" && len(msg.ImageRefs) == 0 {
			return nil, errors.New("invalid turn: message is required")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

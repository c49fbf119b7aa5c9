package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/convmode/internal/events"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTranscription    MessageType = "client_transcription"
	TypeClientText             MessageType = "client_text"
	TypeClientPlaybackComplete MessageType = "client_playback_complete"
	TypeClientControl          MessageType = "client_control"
	TypeHello                  MessageType = "hello"
	TypeBusEvent               MessageType = "bus_event"
	TypeAck                    MessageType = "ack"
	TypeErrorEvent             MessageType = "error_event"
)

// Control actions carried by ClientControl.
const (
	ActionActivate      = "activate"
	ActionDeactivate    = "deactivate"
	ActionInterruptible = "interruptible"
	ActionReset         = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientTranscription is one speech-to-text callback forwarded by the client.
type ClientTranscription struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// ClientPlaybackComplete reports that audio for a dispatched response ended.
type ClientPlaybackComplete struct {
	Type       MessageType `json:"type"`
	ResponseID string      `json:"response_id"`
}

type ClientControl struct {
	Type          MessageType `json:"type"`
	Action        string      `json:"action"`
	AgentIDs      []string    `json:"agent_ids,omitempty"`
	Interruptible *bool       `json:"interruptible,omitempty"`
}

// Hello is the first frame on a new events stream.
type Hello struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	LastSeq        uint64      `json:"last_seq"`
	Snapshot       any         `json:"snapshot"`
}

// BusEvent mirrors one events.Event for websocket subscribers.
type BusEvent struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Kind    events.Kind `json:"kind"`
	At      time.Time   `json:"at"`
	Payload any         `json:"payload"`
}

type Ack struct {
	Type   MessageType `json:"type"`
	Of     MessageType `json:"of"`
	Result any         `json:"result,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewBusEvent(evt events.Event) BusEvent {
	return BusEvent{Type: TypeBusEvent, Seq: evt.Seq, Kind: evt.Kind, At: evt.At, Payload: evt.Payload}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTranscription:
		var msg ClientTranscription
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_transcription")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientPlaybackComplete:
		var msg ClientPlaybackComplete
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ResponseID == "" {
			return nil, errors.New("invalid client_playback_complete")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionActivate, ActionDeactivate, ActionReset:
		case ActionInterruptible:
			if msg.Interruptible == nil {
				return nil, errors.New("invalid client_control: interruptible requires a value")
			}
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

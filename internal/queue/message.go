package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/broadcast-engine/internal/domain"
)

// Kind tags the payload carried by an envelope.
type Kind string

const (
	KindPrepareToSend Kind = "prepareToSend"
	KindData          Kind = "data"
)

// Message is one of PrepareToSendMessage or DataMessage.
type Message interface {
	Kind() Kind
	Validate() error
	messageID() string
}

// PrepareToSendMessage asks the dispatch worker to fan a sent notification out to its audience.
type PrepareToSendMessage struct {
	NotificationID string `json:"notificationId"`
}

func (PrepareToSendMessage) Kind() Kind { return KindPrepareToSend }

func (m PrepareToSendMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	return nil
}

func (m PrepareToSendMessage) messageID() string {
	return "prepare:" + m.NotificationID
}

// DataMessage reports one recipient outcome, or carries ForceComplete with no recipient.
type DataMessage struct {
	NotificationID string                 `json:"notificationId"`
	RecipientID    string                 `json:"recipientId,omitempty"`
	Outcome        domain.RecipientStatus `json:"outcome,omitempty"`
	ForceComplete  bool                   `json:"forceComplete,omitempty"`
}

func (DataMessage) Kind() Kind { return KindData }

func (m DataMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if m.ForceComplete {
		if m.RecipientID != "" || m.Outcome != "" {
			return fmt.Errorf("force complete message must not carry a recipient outcome")
		}
		return nil
	}
	if strings.TrimSpace(m.RecipientID) == "" {
		return fmt.Errorf("recipientId is required")
	}
	if !m.Outcome.IsTerminal() {
		return fmt.Errorf("invalid outcome %q", m.Outcome)
	}
	return nil
}

func (m DataMessage) messageID() string {
	if m.ForceComplete {
		return "force-complete:" + m.NotificationID
	}
	return "data:" + m.NotificationID + ":" + m.RecipientID
}

// NewForceCompleteMessage builds the deadline message for a promoted notification.
func NewForceCompleteMessage(notificationID string) DataMessage {
	return DataMessage{NotificationID: notificationID, ForceComplete: true}
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps a message in its tagged envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", msg.Kind(), err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Kind(), err)
	}

	payload, err := json.Marshal(envelope{Kind: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return payload, nil
}

// Decode parses and validates a tagged envelope.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindPrepareToSend:
		var m PrepareToSendMessage
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("invalid %s body: %w", env.Kind, err)
		}
		msg = m
	case KindData:
		var m DataMessage
		if err := json.Unmarshal(env.Body, &m); err != nil {
			return nil, fmt.Errorf("invalid %s body: %w", env.Kind, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Kind, err)
	}
	return msg, nil
}

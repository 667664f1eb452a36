// Package message holds the content of one decoded PUBLISH, independent
// of any connection's per-client delivery state.
package message

import (
	"time"

	"github.com/kestrelmq/broker/codec/packet"
)

// Message is a published message's content plus bookkeeping shared by
// every ClientMsg that references it through the store.
type Message struct {
	Topic         string
	Payload       []byte
	QoS           packet.QoS
	Retain        bool
	DUP           bool
	CreatedAt     time.Time
	LastAttemptAt time.Time
	AttemptCount  int
}

// New creates a Message from a PUBLISH's decoded fields.
func New(topic string, payload []byte, qos packet.QoS, retain bool) *Message {
	now := time.Now()
	return &Message{
		Topic:         topic,
		Payload:       payload,
		QoS:           qos,
		Retain:        retain,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
}

// MarkAttempt records a delivery attempt, setting DUP once a retry happens.
func (m *Message) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// Clone returns a deep copy, safe to hand to a different connection's
// in-flight list without aliasing the payload slice.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	return &Message{
		Topic:         m.Topic,
		Payload:       payload,
		QoS:           m.QoS,
		Retain:        m.Retain,
		DUP:           m.DUP,
		CreatedAt:     m.CreatedAt,
		LastAttemptAt: m.LastAttemptAt,
		AttemptCount:  m.AttemptCount,
	}
}

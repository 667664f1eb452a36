package message

import (
	"testing"
	"time"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     packet.QoS
		retain  bool
	}{
		{name: "qos 0 message", topic: "test/topic", payload: []byte("test payload"), qos: packet.QoS0, retain: false},
		{name: "qos 1 retained message", topic: "test/topic", payload: []byte("test payload"), qos: packet.QoS1, retain: true},
		{name: "qos 2 message", topic: "test/topic", payload: []byte("test payload"), qos: packet.QoS2, retain: false},
		{name: "empty payload", topic: "test/topic", payload: []byte{}, qos: packet.QoS1, retain: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := New(tt.topic, tt.payload, tt.qos, tt.retain)

			require.NotNil(t, msg)
			assert.Equal(t, tt.topic, msg.Topic)
			assert.Equal(t, tt.payload, msg.Payload)
			assert.Equal(t, tt.qos, msg.QoS)
			assert.Equal(t, tt.retain, msg.Retain)
			assert.False(t, msg.DUP)
			assert.Equal(t, 0, msg.AttemptCount)
			assert.False(t, msg.CreatedAt.IsZero())
			assert.False(t, msg.LastAttemptAt.IsZero())
		})
	}
}

func TestMessage_MarkAttempt(t *testing.T) {
	msg := New("test/topic", []byte("payload"), packet.QoS1, false)

	assert.Equal(t, 0, msg.AttemptCount)
	assert.False(t, msg.DUP)

	initialTime := msg.LastAttemptAt

	time.Sleep(10 * time.Millisecond)
	msg.MarkAttempt()

	assert.Equal(t, 1, msg.AttemptCount)
	assert.False(t, msg.DUP)
	assert.True(t, msg.LastAttemptAt.After(initialTime))

	msg.MarkAttempt()
	assert.Equal(t, 2, msg.AttemptCount)
	assert.True(t, msg.DUP)

	msg.MarkAttempt()
	assert.Equal(t, 3, msg.AttemptCount)
	assert.True(t, msg.DUP)
}

func TestMessage_Clone(t *testing.T) {
	original := New("test/topic", []byte("payload"), packet.QoS2, true)
	original.MarkAttempt()
	original.MarkAttempt()

	cloned := original.Clone()

	require.NotNil(t, cloned)
	assert.Equal(t, original.Topic, cloned.Topic)
	assert.Equal(t, original.Payload, cloned.Payload)
	assert.Equal(t, original.QoS, cloned.QoS)
	assert.Equal(t, original.Retain, cloned.Retain)
	assert.Equal(t, original.DUP, cloned.DUP)
	assert.Equal(t, original.AttemptCount, cloned.AttemptCount)

	cloned.Payload[0] = 'X'
	assert.NotEqual(t, original.Payload[0], cloned.Payload[0])
}

func TestMessage_AllQoSLevels(t *testing.T) {
	tests := []struct {
		name string
		qos  packet.QoS
	}{
		{name: "qos 0", qos: packet.QoS0},
		{name: "qos 1", qos: packet.QoS1},
		{name: "qos 2", qos: packet.QoS2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := New("test/topic", []byte("payload"), tt.qos, false)
			assert.Equal(t, tt.qos, msg.QoS)
		})
	}
}

func TestMessage_LargePayload(t *testing.T) {
	largePayload := make([]byte, 1024*1024)
	for i := range largePayload {
		largePayload[i] = byte(i % 256)
	}

	msg := New("test/topic", largePayload, packet.QoS1, false)
	assert.Equal(t, len(largePayload), len(msg.Payload))

	cloned := msg.Clone()
	assert.Equal(t, len(largePayload), len(cloned.Payload))
	assert.Equal(t, msg.Payload, cloned.Payload)
}

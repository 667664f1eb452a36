package topic

import (
	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/store"
)

// Subscriber is one (connection, QoS) pair attached to a trie node.
type Subscriber struct {
	ConnID string
	QoS    packet.QoS
}

// Delivery is one fan-out target produced by Trie.Publish: the connection
// to deliver to and the effective QoS (min of publication and subscription
// QoS).
type Delivery struct {
	ConnID string
	QoS    packet.QoS
}

// RetainedDelivery is one retained message to deliver on subscribe,
// produced by Trie.RetainQueue.
type RetainedDelivery struct {
	Topic  string
	Stored *store.StoredMessage
	QoS    packet.QoS
}

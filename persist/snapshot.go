package persist

import (
	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/qos"
)

// Snapshot is everything a Backup call writes and a Restore call reads
// back, gathered by the broker from the store, trie, delivery engine, and
// session table. It carries no file-format concerns of its own.
type Snapshot struct {
	LastDBID uint64
	Shutdown bool

	Messages []MessageEntry
	Clients  []ClientEntry
	Retained []uint64 // store ids
	Subs     []SubEntry
}

// MessageEntry mirrors one MSG_STORE chunk.
type MessageEntry struct {
	ID        uint64
	SourceID  string
	SourceMid uint16
	Topic     string
	QoS       packet.QoS
	Retain    bool
	Payload   []byte
}

// ClientEntry is one non-clean-session client's persisted in-flight list,
// written as one CLIENT_MSG chunk per entry.
type ClientEntry struct {
	ClientID string
	Messages []*qos.ClientMsg
}

// SubEntry mirrors one SUB chunk.
type SubEntry struct {
	ClientID string
	Topic    string
	QoS      packet.QoS
}

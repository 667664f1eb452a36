package broker

import (
	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/hook"
	"github.com/kestrelmq/broker/qos"
	"github.com/kestrelmq/broker/store"
)

// Broker implements qos.Sender. connID is always the durable MQTT client
// identifier, not a per-socket id, so these methods look the live *Conn up
// by client id every time; a client with no live connection (disconnected,
// non-clean session) makes every method a safe no-op — the ClientMsg stays
// recorded in the engine and is delivered for real once RestoreClient (or
// RetryTick) next flushes it.
var _ qos.Sender = (*Broker)(nil)

func (b *Broker) SendPublish(connID string, m *qos.ClientMsg) error {
	conn, ok := b.clients[connID]
	if !ok || conn.nc == nil || conn.state != stateConnected {
		return nil
	}
	stored, ok := b.store.Get(m.StoreID)
	if !ok {
		return nil
	}
	pkt := &encoding.PublishPacket{
		DUP:       m.Dup,
		QoS:       m.QoS,
		Retain:    stored.Retain,
		TopicName: conn.resolveOutgoingTopic(stored.Topic),
		PacketID:  m.Mid,
		Payload:   stored.Payload,
	}
	if err := conn.enqueue(pkt); err != nil {
		return err
	}
	b.msgsOut.Add(1)
	return nil
}

func (b *Broker) SendPubrec(connID string, mid uint16) error {
	conn, ok := b.clients[connID]
	if !ok || conn.nc == nil || conn.state != stateConnected {
		return nil
	}
	return conn.enqueue(&encoding.PubrecPacket{PacketID: mid})
}

func (b *Broker) SendPubrel(connID string, m *qos.ClientMsg) error {
	conn, ok := b.clients[connID]
	if !ok || conn.nc == nil || conn.state != stateConnected {
		return nil
	}
	return conn.enqueue(&encoding.PubrelPacket{PacketID: m.Mid})
}

func (b *Broker) SendPubcomp(connID string, mid uint16) error {
	conn, ok := b.clients[connID]
	if !ok || conn.nc == nil || conn.state != stateConnected {
		return nil
	}
	return conn.enqueue(&encoding.PubcompPacket{PacketID: mid})
}

// publishLocked stores a freshly received QoS 0/1 publication and
// immediately fans it out. QoS 2 publications are stored at PUBLISH time
// but only reach fanoutLocked once the handshake's PUBREL arrives (see
// dispatch.go), so a publisher that never confirms never has its message
// delivered twice. Caller holds b.mu.
func (b *Broker) publishLocked(sourceID, topicName string, qosLevel packet.QoS, retain bool, payload []byte) {
	stored := b.store.Store(sourceID, 0, topicName, qosLevel, payload, retain)
	b.fanoutLocked(stored)
}

// fanoutLocked is spec.md §4.4's publish-fan-out algorithm: walk the trie
// for matching subscribers (excluding the publisher itself, which is how
// bridge loop prevention works — see bridge's use of SourceID as its own
// client id), hand each delivery to the engine, and update the retained
// slot if the publication carries the retain flag. Caller holds b.mu.
func (b *Broker) fanoutLocked(stored *store.StoredMessage) {
	aclAllows := func(connID, t string) bool {
		return b.hooks.OnACLCheck(&hook.Client{ID: connID}, t, hook.AccessTypeRead)
	}
	for _, d := range b.trie.Publish(stored.Topic, stored.QoS, stored.SourceID, aclAllows) {
		if d.QoS > packet.QoS0 {
			b.store.Retain(stored.ID)
		}
		mid := uint16(0)
		if d.QoS > packet.QoS0 {
			mid = b.nextMidFor(d.ConnID)
		}
		if _, err := b.engine.Insert(d.ConnID, qos.Outgoing, d.QoS, mid, stored.ID); err != nil {
			if d.QoS > packet.QoS0 {
				b.store.Release(stored.ID)
			}
			b.log.Warn("dropping publish for client", "client_id", d.ConnID, "topic", stored.Topic, "error", err)
		}
	}

	if stored.Retain {
		// An empty payload with retain set clears the topic's retained
		// slot; SetRetained's nil-stored path does that.
		if len(stored.Payload) == 0 {
			b.trie.SetRetained(stored.Topic, nil, b.store)
		} else {
			b.trie.SetRetained(stored.Topic, stored, b.store)
		}
	}
}

// nextMidFor returns the per-client mid counter, creating a placeholder
// Conn (no socket) if this is the first message ever queued for a
// persistent-session client that has never connected in this process
// lifetime, e.g. right after a persistence restore added a subscription
// for it.
func (b *Broker) nextMidFor(clientID string) uint16 {
	conn, ok := b.clients[clientID]
	if !ok {
		conn = newConn(nil, "")
		conn.clientID = clientID
		conn.cleanSession = false
		conn.state = stateDisconnected
		b.clients[clientID] = conn
	}
	return conn.nextMid()
}

package broker

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kestrelmq/broker/bridge"
	"github.com/kestrelmq/broker/network"
	"github.com/kestrelmq/broker/topic"
)

// connState is a Connection's position in the state machine spec.md §4.3
// describes: new, connecting (CONNECT received, not yet accepted/refused),
// connected, disconnecting, disconnected.
type connState int32

const (
	stateNew connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// wireEncoder is satisfied by every outgoing packet type in encoding.
type wireEncoder interface {
	Encode(w io.Writer) error
}

// outboxSize bounds each connection's pending-write queue. qos.Engine's
// own max_inflight/max_queued admission control keeps the number of
// messages a client can have in flight well under this, so the queue is
// sized as headroom, not as a second flow-control mechanism.
const outboxSize = 256

// Conn is one client's broker-side connection record: the data model's
// Connection entity. Every field the event loop reads or mutates is
// guarded by the broker's single mutex except outbox/closeWriter, which
// belong to the per-connection writer goroutine.
//
// qos.Engine calls the broker's Sender methods synchronously from inside
// its own dispatch loop, which broker code reaches while holding the
// broker-wide mutex (e.g. fanning out a PUBLISH). A blocking socket write
// at that point would stall every other connection on a single slow
// reader. Conn.enqueue instead hands the encoded bytes to a buffered
// channel drained by writeLoop, so Sender methods never block on I/O.
type Conn struct {
	nc         *network.Connection
	mountPoint string

	outbox      chan []byte
	closeWriter chan struct{}
	writerOnce  sync.Once

	state           connState
	clientID        string
	username        string
	cleanSession    bool
	keepAlive       uint16
	protocolVersion byte
	lastMid         uint16
	connectedAt     time.Time
	lastOutbound    time.Time // for bridge client-side PINGREQ-on-silence
	bridge          *bridge.Config
}

func newConn(nc *network.Connection, mountPoint string) *Conn {
	return &Conn{
		nc:          nc,
		mountPoint:  mountPoint,
		state:       stateNew,
		outbox:      make(chan []byte, outboxSize),
		closeWriter: make(chan struct{}),
	}
}

// writeLoop drains outbox onto the socket until the connection closes or
// stopWriter is called. One goroutine per connection, started by
// Broker.handleConnection.
func (c *Conn) writeLoop() {
	for {
		select {
		case b, ok := <-c.outbox:
			if !ok {
				return
			}
			if _, err := c.nc.Write(b); err != nil {
				return
			}
		case <-c.closeWriter:
			return
		}
	}
}

func (c *Conn) stopWriter() {
	c.writerOnce.Do(func() { close(c.closeWriter) })
}

// writeDirect encodes p straight onto the socket, bypassing outbox. Only
// safe before writeLoop is started: handleConnection uses it for the
// CONNACK (accept or refuse), since the CONNECT handshake runs before any
// other goroutine could be contending for the socket.
func (c *Conn) writeDirect(p wireEncoder) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := c.nc.Write(buf.Bytes())
	return err
}

// nextMid implements spec.md §4.6's allocator: increment, wrap to 1 at
// 65536. The engine never searches for a free id; collisions are avoided
// by keeping max_inflight+max_queued far below the 16-bit space.
func (c *Conn) nextMid() uint16 {
	c.lastMid++
	if c.lastMid == 0 {
		c.lastMid = 1
	}
	return c.lastMid
}

// enqueue encodes p and hands the bytes to the writer goroutine. Safe for
// concurrent callers; never touches the socket itself.
func (c *Conn) enqueue(p wireEncoder) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	select {
	case c.outbox <- buf.Bytes():
		return nil
	case <-c.closeWriter:
		return network.ErrConnectionClosed
	}
}

// addMountPoint prepends the listener's mount_point to an incoming PUBLISH
// topic before it reaches the trie, per spec.md §6.
func (c *Conn) addMountPoint(topic string) string {
	if c.mountPoint == "" {
		return topic
	}
	return c.mountPoint + topic
}

// stripMountPoint removes the listener's mount_point prefix from a topic
// before delivering it to this client, the inverse of addMountPoint. If the
// topic doesn't carry the prefix (shouldn't happen for trie-derived
// deliveries) it is returned unchanged.
func (c *Conn) stripMountPoint(topic string) string {
	if c.mountPoint == "" {
		return topic
	}
	if len(topic) >= len(c.mountPoint) && topic[:len(c.mountPoint)] == c.mountPoint {
		return topic[len(c.mountPoint):]
	}
	return topic
}

// resolveIncomingTopic maps a wire topic name to the name it should carry
// locally: addMountPoint for an ordinary listener connection, or
// remote-prefix-to-local-prefix translation (src/bridge.c) for a bridge
// connection receiving an "in"/"both" delivery from the peer.
//
// A bridge topic's RemoteTopic() is a subscription filter (it can carry
// '+'/'#'), not the literal delivered topic, so matching it against
// wireTopic needs topic.Matches rather than string equality — wireTopic is
// "site/sensor/temp", the filter is "site/sensor/#". Once matched, the
// actual prefix substitution is a plain string trim-and-prepend: only the
// literal RemotePrefix portion is known to actually be present on the wire,
// the wildcard-matched remainder carries over unchanged.
func (c *Conn) resolveIncomingTopic(wireTopic string) string {
	if c.bridge == nil {
		return c.addMountPoint(wireTopic)
	}
	for _, t := range c.bridge.Topics {
		if t.WantsIn() && topic.Matches(t.RemoteTopic(), wireTopic) {
			return t.LocalPrefix + strings.TrimPrefix(wireTopic, t.RemotePrefix)
		}
	}
	return wireTopic
}

// resolveOutgoingTopic is resolveIncomingTopic's inverse: stripMountPoint
// for an ordinary client, or local-prefix-to-remote-prefix translation for
// an "out"/"both" delivery this bridge connection is forwarding to its peer.
func (c *Conn) resolveOutgoingTopic(localTopic string) string {
	if c.bridge == nil {
		return c.stripMountPoint(localTopic)
	}
	for _, t := range c.bridge.Topics {
		if t.WantsOut() && topic.Matches(t.LocalTopic(), localTopic) {
			return t.RemotePrefix + strings.TrimPrefix(localTopic, t.LocalPrefix)
		}
	}
	return localTopic
}

// Package bridge implements spec.md §4.8's outbound client-mode connection
// to a peer broker: dial, CONNECT, SUBSCRIBE for inbound topic patterns, and
// topic-direction forwarding once connected. broker.Broker owns the actual
// wire-level read/write loop (it already has the CONNECT/PUBLISH/PUBACK/...
// dispatch this package would otherwise have to duplicate); this package
// only knows how to reach the remote and holds the per-bridge config shape,
// grounded on the original implementation's `connection <name>` block
// (src/conf.c) and src/bridge.c's topic direction/prefix handling.
package bridge

import "github.com/kestrelmq/broker/codec/packet"

// Topic is one `topic <pattern> [in|out|both] [qos] [local-prefix]
// [remote-prefix]` line inside a `connection <name>` config block.
type Topic struct {
	Pattern      string
	Direction    string // "in", "out", or "both"
	QoS          packet.QoS
	LocalPrefix  string
	RemotePrefix string
}

// LocalTopic is the topic name this broker subscribes/publishes under
// locally: the prefix a local client would see.
func (t Topic) LocalTopic() string {
	return t.LocalPrefix + t.Pattern
}

// RemoteTopic is the topic name sent over the wire to the peer broker.
func (t Topic) RemoteTopic() string {
	return t.RemotePrefix + t.Pattern
}

// WantsIn reports whether messages published on the peer should be
// forwarded into this broker.
func (t Topic) WantsIn() bool {
	return t.Direction == "in" || t.Direction == "both"
}

// WantsOut reports whether local publications matching this pattern should
// be forwarded out to the peer.
func (t Topic) WantsOut() bool {
	return t.Direction == "out" || t.Direction == "both"
}

// Config is one `connection <name>` block: an outbound client connection to
// a remote broker.
type Config struct {
	Name          string
	Address       string
	ClientID      string
	CleanSession  bool
	KeepAlive     uint16
	Username      string
	Password      string
	Notifications bool
	Topics        []Topic
}

// DefaultConfig mirrors src/conf.c's cur_bridge field initialization.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		KeepAlive:     60,
		Notifications: true,
	}
}

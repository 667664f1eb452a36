package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelmq/broker/bridge"
	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/network"
)

// bridgeReconnectInterval is the fixed retry cadence spec.md §4.8's
// reconnect-at-timestamp polling describes: a dropped bridge connection is
// retried on a timer, not with exponential backoff (src/bridge.c's
// restart_t scheme).
const bridgeReconnectInterval = 30 * time.Second

// startBridges launches one reconnect-and-forward goroutine per configured
// bridge (spec.md §4.8, §9). Each runs until Stop closes b.stopCh.
func (b *Broker) startBridges() {
	for i := range b.cfg.Bridges {
		cfg := b.cfg.Bridges[i]
		b.wg.Add(1)
		go b.runBridge(cfg)
	}
}

// runBridge owns one outbound connection's whole lifecycle: dial, register
// as a normal client so the existing trie/engine/outbox machinery delivers
// "out"/"both" publications to it exactly like any other subscriber, run
// the bridge-flavored read loop until the peer drops, then wait and redial.
func (b *Broker) runBridge(cfg bridge.Config) {
	defer b.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoffCfg := &network.BackoffConfig{
		InitialInterval: bridgeReconnectInterval,
		MaxInterval:     bridgeReconnectInterval,
		Multiplier:      1,
		MaxRetries:      0, // unbounded: ctx cancellation is the only exit
	}
	rc, err := network.NewReconnector(ctx, &network.RecoveryConfig{BackoffConfig: backoffCfg, EnableRecovery: true}, func() (*network.Connection, error) {
		return bridge.Dial(ctx, cfg)
	})
	if err != nil {
		b.log.Error("bridge configuration invalid", "bridge", cfg.Name, "error", err)
		return
	}
	defer rc.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nc, err := rc.Connect()
		if err != nil {
			// Only returned once ctx is cancelled, since MaxRetries is
			// unbounded: the broker is shutting down.
			return
		}

		c := b.attachBridgeConn(nc, cfg)
		b.log.Info("bridge connected", "bridge", cfg.Name, "address", cfg.Address)
		if cfg.Notifications {
			b.publishBridgeNotification(cfg, true)
		}

		connDone := make(chan struct{})
		go func() {
			select {
			case <-b.stopCh:
				nc.Close()
			case <-connDone:
			}
		}()

		go c.writeLoop()
		stopPinger := make(chan struct{})
		go b.bridgePinger(c, cfg, stopPinger)

		b.bridgeReadLoop(c, cfg)

		close(connDone)
		close(stopPinger)
		c.stopWriter()
		nc.Close()
		b.detachBridgeConn(cfg)

		if cfg.Notifications {
			b.publishBridgeNotification(cfg, false)
		}

		select {
		case <-ctx.Done():
			return
		default:
			b.log.Warn("bridge disconnected, retrying", "bridge", cfg.Name, "interval", bridgeReconnectInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bridgeReconnectInterval):
		}
	}
}

// attachBridgeConn registers the bridge's connection as an ordinary client
// under cfg.ClientID, reusing the same *Conn across reconnects so any QoS
// state the engine is tracking for it (persistent-session style, regardless
// of cfg.CleanSession) survives a drop.
func (b *Broker) attachBridgeConn(nc *network.Connection, cfg bridge.Config) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.clients[cfg.ClientID]
	if !ok {
		c = newConn(nc, "")
		b.clients[cfg.ClientID] = c
		for _, t := range cfg.Topics {
			if t.WantsOut() {
				b.trie.Subscribe(t.LocalTopic(), cfg.ClientID, t.QoS)
			}
		}
	} else {
		c.nc = nc
		c.outbox = make(chan []byte, outboxSize)
		c.closeWriter = make(chan struct{})
		c.writerOnce = sync.Once{}
	}
	c.clientID = cfg.ClientID
	c.cleanSession = cfg.CleanSession
	c.keepAlive = cfg.KeepAlive
	c.state = stateConnected
	c.connectedAt = time.Now()
	cfgCopy := cfg
	c.bridge = &cfgCopy
	return c
}

func (b *Broker) detachBridgeConn(cfg bridge.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[cfg.ClientID]; ok && c.clientID == cfg.ClientID {
		c.state = stateDisconnected
	}
}

// bridgeReadLoop mirrors readLoop's packet dispatch but for the client side
// of the MQTT handshake: a PINGRESP case instead of answering PINGREQ, and
// no SUBSCRIBE/UNSUBSCRIBE/DISCONNECT cases, since a well-behaved peer
// broker never sends its client those packet types.
func (b *Broker) bridgeReadLoop(c *Conn, cfg bridge.Config) {
	clientID := cfg.ClientID
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60
	}
	for {
		c.nc.SetReadDeadline(time.Duration(float64(keepAlive)*1.5) * time.Second)

		header, err := packet.ParseFixedHeader(c.nc)
		if err != nil {
			return
		}
		switch header.Type {
		case packet.PUBLISH:
			p, err := encoding.DecodePublish(c.nc, header)
			if err != nil {
				return
			}
			if err := b.handlePublish(c, clientID, p); err != nil {
				return
			}
		case packet.PUBACK:
			p, err := encoding.DecodePuback(c.nc, header)
			if err != nil {
				return
			}
			b.mu.Lock()
			b.engine.HandlePuback(clientID, p.PacketID)
			b.mu.Unlock()
		case packet.PUBREC:
			p, err := encoding.DecodePubrec(c.nc, header)
			if err != nil {
				return
			}
			b.mu.Lock()
			b.engine.HandlePubrec(clientID, p.PacketID)
			b.mu.Unlock()
		case packet.PUBREL:
			p, err := encoding.DecodePubrel(c.nc, header)
			if err != nil {
				return
			}
			b.handlePubrel(clientID, p.PacketID)
		case packet.PUBCOMP:
			p, err := encoding.DecodePubcomp(c.nc, header)
			if err != nil {
				return
			}
			b.mu.Lock()
			b.engine.HandlePubcomp(clientID, p.PacketID)
			b.mu.Unlock()
		case packet.PINGRESP:
			// Keep-alive response; c.nc.Read already refreshed activity.
		default:
			return
		}
	}
}

// bridgePinger sends PINGREQ every half keep-alive interval, whether or not
// other packets have gone out on this connection meanwhile: the client side of
// spec.md §4.3's keep-alive contract, which an ordinary listener connection
// never needs since the broker there only plays the server role.
func (b *Broker) bridgePinger(c *Conn, cfg bridge.Config, stop <-chan struct{}) {
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60
	}
	interval := time.Duration(keepAlive) * time.Second / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.enqueue(&encoding.PingreqPacket{}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// publishBridgeNotification publishes the retained "1"/"0" bridge-state
// topic spec.md §4.8 and src/bridge.c describe, under
// $SYS/broker/connection/<name>/state.
func (b *Broker) publishBridgeNotification(cfg bridge.Config, up bool) {
	payload := []byte("0")
	if up {
		payload = []byte("1")
	}
	topicName := fmt.Sprintf("$SYS/broker/connection/%s/state", cfg.Name)
	b.mu.Lock()
	b.publishLocked(cfg.ClientID, topicName, packet.QoS1, true, payload)
	b.mu.Unlock()
}

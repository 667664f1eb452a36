package broker

import (
	"context"
	"errors"
	"time"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/hook"
	"github.com/kestrelmq/broker/network"
	"github.com/kestrelmq/broker/qos"
	"github.com/kestrelmq/broker/session"
)

// handleConnection is the ConnectionHandler Start registers with every
// listener. It runs for the lifetime of one socket, on the goroutine the
// listener's accept loop spawned for it (network/listener.go's
// handleConnection). The CONNECT handshake happens before the writer
// goroutine starts; everything after runs the read loop until the client
// disconnects or the connection drops.
func (b *Broker) handleConnection(nc *network.Connection, mountPoint string) error {
	c := newConn(nc, mountPoint)

	header, err := packet.ParseFixedHeader(nc)
	if err != nil {
		return nil // malformed or closed before a single byte arrived
	}
	if header.Type != packet.CONNECT {
		return errors.New("broker: first packet was not CONNECT")
	}
	cp, err := encoding.DecodeConnect(nc, header)
	if err != nil {
		return nil
	}

	accepted, clientID, err := b.handleConnect(c, cp)
	if err != nil || !accepted {
		return err
	}

	go c.writeLoop()
	defer b.teardownConnection(c, clientID)

	b.readLoop(c, clientID)
	return nil
}

// readLoop blocks reading fixed headers off the socket and dispatches each
// packet until the client disconnects, the keep-alive window lapses, or a
// protocol error ends the connection. spec.md §4.3 ties keep-alive
// enforcement to "no control packet within 1.5x keep_alive"; this broker
// approximates it with a read deadline refreshed after every packet.
func (b *Broker) readLoop(c *Conn, clientID string) {
	for {
		if c.keepAlive > 0 {
			c.nc.SetReadDeadline(time.Duration(float64(c.keepAlive)*1.5) * time.Second)
		}

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
		case packet.SUBSCRIBE:
			p, err := encoding.DecodeSubscribe(c.nc, header)
			if err != nil {
				return
			}
			if err := b.handleSubscribe(c, clientID, p); err != nil {
				return
			}
		case packet.UNSUBSCRIBE:
			p, err := encoding.DecodeUnsubscribe(c.nc, header)
			if err != nil {
				return
			}
			if err := b.handleUnsubscribe(c, clientID, p); err != nil {
				return
			}
		case packet.PINGREQ:
			if err := c.enqueue(&encoding.PingrespPacket{}); err != nil {
				return
			}
		case packet.DISCONNECT:
			b.handleGracefulDisconnect(clientID)
			return
		default:
			return
		}
	}
}

// handleConnect implements spec.md §4.3's CONNECT state machine. It runs
// before the writer goroutine starts, so the CONNACK is written directly
// to the socket rather than through enqueue.
func (b *Broker) handleConnect(c *Conn, cp *encoding.ConnectPacket) (accepted bool, clientID string, err error) {
	ctx := context.Background()

	clientID = cp.ClientID
	if clientID == "" {
		if !cp.CleanSession {
			c.writeDirect(&encoding.ConnackPacket{ReturnCode: encoding.ConnectRefusedIdentifierRejected})
			return false, "", nil
		}
		clientID, err = b.sessions.GenerateClientID(ctx)
		if err != nil {
			c.writeDirect(&encoding.ConnackPacket{ReturnCode: encoding.ConnectRefusedServerUnavailable})
			return false, "", nil
		}
	}

	hookClient := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.nc.RemoteAddr(),
		Username:        cp.Username,
		CleanStart:      cp.CleanSession,
		ProtocolVersion: byte(cp.ProtocolVersion),
		KeepAlive:       cp.KeepAlive,
	}
	hookConnect := &hook.ConnectPacket{
		ProtocolName:    encoding.ProtocolName,
		ProtocolVersion: byte(cp.ProtocolVersion),
		CleanStart:      cp.CleanSession,
		KeepAlive:       cp.KeepAlive,
		ClientID:        clientID,
		Username:        cp.Username,
		Password:        cp.Password,
	}
	if cp.WillFlag {
		hookConnect.Will = &hook.WillMessage{
			Topic:   cp.WillTopic,
			Payload: cp.WillPayload,
			QoS:     byte(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
	}

	if !b.cfg.AllowAnonymous && cp.Username == "" {
		c.writeDirect(&encoding.ConnackPacket{ReturnCode: encoding.ConnectRefusedNotAuthorized})
		return false, "", nil
	}
	if !b.hooks.OnConnectAuthenticate(hookClient, hookConnect) {
		c.writeDirect(&encoding.ConnackPacket{ReturnCode: encoding.ConnectRefusedBadUsernamePassword})
		return false, "", nil
	}

	b.mu.Lock()
	if old, ok := b.clients[clientID]; ok && old.nc != nil && old.state == stateConnected {
		// Identifier takeover, spec.md §4.3: force the existing connection
		// closed before this one proceeds.
		old.stopWriter()
		old.nc.Close()
	}
	b.mu.Unlock()

	sess, sessionPresent, err := b.sessions.CreateSession(ctx, clientID, cp.CleanSession, 0, byte(cp.ProtocolVersion))
	if err != nil {
		c.writeDirect(&encoding.ConnackPacket{ReturnCode: encoding.ConnectRefusedServerUnavailable})
		return false, "", nil
	}

	b.mu.Lock()
	if cp.CleanSession {
		b.trie.UnsubscribeAll(clientID)
		for _, m := range b.engine.RemoveClient(clientID) {
			b.store.Release(m.StoreID)
		}
	}
	if cp.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   cp.WillTopic,
			Payload: cp.WillPayload,
			QoS:     byte(cp.WillQoS),
			Retain:  cp.WillRetain,
		}, 0)
	}

	c.clientID = clientID
	c.username = cp.Username
	c.cleanSession = cp.CleanSession
	c.keepAlive = cp.KeepAlive
	c.protocolVersion = byte(cp.ProtocolVersion)
	c.state = stateConnected
	c.connectedAt = time.Now()
	if existing, ok := b.clients[clientID]; ok {
		c.lastMid = existing.lastMid
	}
	b.clients[clientID] = c
	b.mu.Unlock()

	if err := c.writeDirect(&encoding.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: encoding.ConnectAccepted}); err != nil {
		return false, "", nil
	}

	hookClient.SessionPresent = sessionPresent
	b.hooks.OnConnect(hookClient, hookConnect)
	return true, clientID, nil
}

// teardownConnection runs once the read loop returns for any reason: EOF,
// protocol error, or an explicit DISCONNECT (handleGracefulDisconnect
// already ran in that case and cleared the will, so DisconnectSession,
// called here with sendWill true, has no will left to publish).
func (b *Broker) teardownConnection(c *Conn, clientID string) {
	c.stopWriter()
	c.nc.Close()

	b.mu.Lock()
	stillCurrent := b.clients[clientID] == c
	if stillCurrent {
		c.state = stateDisconnected
		if c.cleanSession {
			delete(b.clients, clientID)
			b.trie.UnsubscribeAll(clientID)
			for _, m := range b.engine.RemoveClient(clientID) {
				b.store.Release(m.StoreID)
			}
		}
	}
	b.mu.Unlock()

	if stillCurrent {
		b.sessions.DisconnectSession(context.Background(), clientID, true)
		b.hooks.OnDisconnect(&hook.Client{ID: clientID}, nil, c.cleanSession)
	}
}

// handleGracefulDisconnect implements spec.md §4.3's DISCONNECT handling:
// the client's will must not be sent. The actual teardown still happens in
// teardownConnection once readLoop returns; this only clears the will
// ahead of time so DisconnectSession won't publish it.
func (b *Broker) handleGracefulDisconnect(clientID string) {
	ctx := context.Background()
	sess, err := b.sessions.GetSession(ctx, clientID)
	if err == nil {
		sess.ClearWillMessage()
	}
}

// handlePublish implements spec.md §4.4. QoS 0/1 publications fan out
// immediately; QoS 2 publications are only stored and tracked here, and
// reach fanoutLocked once the matching PUBREL arrives.
func (b *Broker) handlePublish(c *Conn, clientID string, p *encoding.PublishPacket) error {
	topicName := c.resolveIncomingTopic(p.TopicName)
	if err := encoding.ValidateTopicName(topicName); err != nil {
		return err
	}

	b.msgsIn.Add(1)
	b.bytesIn.Add(uint64(len(p.Payload)))

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hooks.OnACLCheck(&hook.Client{ID: clientID}, topicName, hook.AccessTypeWrite) {
		// spec.md §7: an unauthorized publish is silently dropped, not an
		// error that closes the connection.
		if p.QoS == packet.QoS1 {
			return c.enqueue(&encoding.PubackPacket{PacketID: p.PacketID})
		}
		if p.QoS == packet.QoS2 {
			return c.enqueue(&encoding.PubrecPacket{PacketID: p.PacketID})
		}
		return nil
	}

	switch p.QoS {
	case packet.QoS0:
		b.publishLocked(clientID, topicName, p.QoS, p.Retain, p.Payload)
	case packet.QoS1:
		b.publishLocked(clientID, topicName, p.QoS, p.Retain, p.Payload)
		return c.enqueue(&encoding.PubackPacket{PacketID: p.PacketID})
	case packet.QoS2:
		if _, ok := b.store.Find(clientID, p.PacketID); ok {
			// Retransmitted PUBLISH before the PUBREL handshake completed;
			// re-acknowledge without storing or tracking again.
			return c.enqueue(&encoding.PubrecPacket{PacketID: p.PacketID})
		}
		stored := b.store.Store(clientID, p.PacketID, topicName, p.QoS, p.Payload, p.Retain)
		b.store.Retain(stored.ID)
		if _, err := b.engine.HandlePublishQoS2(clientID, p.PacketID, stored.ID); err != nil {
			b.store.Release(stored.ID)
			return nil
		}
	}
	return nil
}

// handlePubrel completes the QoS 2 handshake: the engine releases the
// inbound tracking entry and hands back the store id, which is only now
// fanned out to subscribers (the two-phase design store.Find's dedup
// implies: forward once, after the publisher confirms it won't retransmit).
func (b *Broker) handlePubrel(clientID string, mid uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	storeID, found := b.engine.HandlePubrel(clientID, mid)
	if !found {
		return
	}
	stored, ok := b.store.Get(storeID)
	if ok {
		b.fanoutLocked(stored)
	}
	b.store.Release(storeID)
}

// handleSubscribe implements spec.md §4.5: add each filter to the trie,
// deliver any retained messages it newly matches, and reply with one
// return code per filter (SubackFailure for an ACL-denied filter).
func (b *Broker) handleSubscribe(c *Conn, clientID string, p *encoding.SubscribePacket) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	codes := make([]byte, len(p.Subscriptions))
	var retained []struct {
		topic string
		qos   packet.QoS
	}
	for i, sub := range p.Subscriptions {
		filter := c.addMountPoint(sub.TopicFilter)
		if err := encoding.ValidateTopicFilter(filter); err != nil {
			codes[i] = encoding.SubackFailure
			continue
		}
		if !b.hooks.OnACLCheck(&hook.Client{ID: clientID}, filter, hook.AccessTypeRead) {
			codes[i] = encoding.SubackFailure
			continue
		}
		if _, err := b.trie.Subscribe(filter, clientID, sub.QoS); err != nil {
			codes[i] = encoding.SubackFailure
			continue
		}
		codes[i] = grantedCode(sub.QoS)
		retained = append(retained, struct {
			topic string
			qos   packet.QoS
		}{filter, sub.QoS})
	}

	if err := c.enqueue(&encoding.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes}); err != nil {
		return err
	}

	aclAllows := func(t string) bool {
		return b.hooks.OnACLCheck(&hook.Client{ID: clientID}, t, hook.AccessTypeRead)
	}
	for _, r := range retained {
		for _, d := range b.trie.RetainQueue(r.topic, r.qos, aclAllows) {
			if d.QoS > packet.QoS0 {
				b.store.Retain(d.Stored.ID)
			}
			mid := uint16(0)
			if d.QoS > packet.QoS0 {
				mid = c.nextMid()
			}
			if _, err := b.engine.Insert(clientID, qos.Outgoing, d.QoS, mid, d.Stored.ID); err != nil {
				if d.QoS > packet.QoS0 {
					b.store.Release(d.Stored.ID)
				}
			}
		}
	}
	return nil
}

func grantedCode(q packet.QoS) byte {
	switch q {
	case packet.QoS0:
		return encoding.SubackGrantedQoS0
	case packet.QoS1:
		return encoding.SubackGrantedQoS1
	case packet.QoS2:
		return encoding.SubackGrantedQoS2
	default:
		return encoding.SubackFailure
	}
}

// handleUnsubscribe implements spec.md §4.5's UNSUBSCRIBE: remove each
// filter from the trie regardless of whether it matched, then UNSUBACK.
func (b *Broker) handleUnsubscribe(c *Conn, clientID string, p *encoding.UnsubscribePacket) error {
	b.mu.Lock()
	for _, filter := range p.TopicFilters {
		b.trie.Unsubscribe(c.addMountPoint(filter), clientID)
	}
	b.mu.Unlock()

	return c.enqueue(&encoding.UnsubackPacket{PacketID: p.PacketID})
}

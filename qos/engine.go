// Package qos implements the QoS 1 / QoS 2 delivery engine: a per-client
// ordered list of in-flight messages driven through the handshake state
// machine by outgoing write passes and incoming acknowledgements.
package qos

import (
	"sync"
	"time"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/store"
)

// Config bounds how much unacknowledged work the engine lets a single
// client accumulate before it starts queuing and, eventually, dropping.
type Config struct {
	MaxInflight   int // 0 disables the bound
	MaxQueued     int
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{MaxInflight: 20, MaxQueued: 100, RetryInterval: 20 * time.Second}
}

// ClientMsg is one entry in a connection's ordered delivery list.
type ClientMsg struct {
	Mid       uint16
	StoreID   uint64
	Direction Direction
	QoS       packet.QoS
	State     State
	Dup       bool
	UpdatedAt time.Time
}

// Sender transmits the packets the engine's state machine decides to emit.
// The broker's Connection implements this; the engine never touches a
// socket directly.
type Sender interface {
	SendPublish(connID string, m *ClientMsg) error
	SendPubrec(connID string, mid uint16) error
	SendPubrel(connID string, m *ClientMsg) error
	SendPubcomp(connID string, mid uint16) error
}

// Engine owns every connection's ordered ClientMsg list. The broker drives
// it: Insert/ack handlers run on the connection goroutines on packet
// receipt, and RetryTick runs on the broker's retry ticker goroutine, all
// with the broker-wide mutex held. It never spawns goroutines of its own.
type Engine struct {
	mu      sync.Mutex
	config  Config
	clients map[string][]*ClientMsg
	sender  Sender
	store   *store.MessageStore
	closed  bool
}

func NewEngine(config Config, sender Sender, ms *store.MessageStore) *Engine {
	return &Engine{
		config:  config,
		clients: make(map[string][]*ClientMsg),
		sender:  sender,
		store:   ms,
	}
}

func (e *Engine) trackedLocked(connID string) int {
	count := 0
	for _, m := range e.clients[connID] {
		if m.QoS > packet.QoS0 {
			count++
		}
	}
	return count
}

// Insert admits a new outgoing delivery (any QoS) or an incoming QoS 2
// publish into connID's list, applying the admission table: active if
// there's room under max_inflight, queued if there's room under
// max_queued, dropped with ErrQueueFull otherwise. QoS 0 entries are never
// rate-limited by the table but still take a slot in delivery order.
func (e *Engine) Insert(connID string, direction Direction, qos packet.QoS, mid uint16, storeID uint64) (*ClientMsg, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	m := &ClientMsg{Mid: mid, StoreID: storeID, Direction: direction, QoS: qos, UpdatedAt: time.Now()}

	if qos == packet.QoS0 {
		m.State = initialState(direction, qos)
	} else {
		tracked := e.trackedLocked(connID)
		switch {
		case e.config.MaxInflight == 0 || tracked < e.config.MaxInflight:
			m.State = initialState(direction, qos)
		case tracked-e.config.MaxInflight < e.config.MaxQueued:
			m.State = StateQueued
		default:
			return nil, ErrQueueFull
		}
	}

	e.clients[connID] = append(e.clients[connID], m)

	if m.State == StateQueued {
		return m, nil
	}
	if direction == Incoming {
		// Incoming QoS 2's resting state (wait_pubrec) isn't one of the
		// write-phase's active states, so it needs its PUBREC sent here
		// rather than through flushLocked.
		e.sender.SendPubrec(connID, mid)
		return m, nil
	}
	e.flushLocked(connID)
	return m, nil
}

// dispatch performs the action for one of the write-phase's active states
// and returns whether the entry should be removed from the list.
func (e *Engine) dispatch(connID string, m *ClientMsg) bool {
	switch m.State {
	case StatePublish:
		e.sender.SendPublish(connID, m)
		return true
	case StatePublishPuback:
		e.sender.SendPublish(connID, m)
		m.State = StateWaitPuback
		m.UpdatedAt = time.Now()
	case StatePublishPubrec:
		e.sender.SendPublish(connID, m)
		m.State = StateWaitPubrec
		m.UpdatedAt = time.Now()
	case StateResendPubrec:
		e.sender.SendPubrec(connID, m.Mid)
		m.State = StateWaitPubrel
		m.UpdatedAt = time.Now()
	case StateResendPubrel:
		m.Dup = true
		e.sender.SendPubrel(connID, m)
		m.State = StateWaitPubcomp
		m.UpdatedAt = time.Now()
	case StateResendPubcomp:
		e.sender.SendPubcomp(connID, m.Mid)
		m.State = StateWaitPubrel
		m.UpdatedAt = time.Now()
	}
	return false
}

// flushLocked runs one write-phase pass over connID's list: dispatches
// every active entry, drops the ones that complete in a single pass (QoS
// 0), then promotes queued entries into whatever slots freed up.
func (e *Engine) flushLocked(connID string) {
	list := e.clients[connID]
	kept := make([]*ClientMsg, 0, len(list))
	for _, m := range list {
		if e.dispatch(connID, m) {
			continue
		}
		kept = append(kept, m)
	}
	e.clients[connID] = kept
	e.promoteLocked(connID)
}

func (e *Engine) promoteLocked(connID string) {
	if e.config.MaxInflight == 0 {
		return
	}
	list := e.clients[connID]
	tracked := 0
	for _, m := range list {
		if m.QoS > packet.QoS0 && m.State != StateQueued {
			tracked++
		}
	}
	for _, m := range list {
		if m.State != StateQueued {
			continue
		}
		if tracked >= e.config.MaxInflight {
			break
		}
		m.State = initialState(m.Direction, m.QoS)
		m.UpdatedAt = time.Now()
		tracked++
		if m.Direction == Incoming {
			e.sender.SendPubrec(connID, m.Mid)
			continue
		}
		e.dispatch(connID, m)
	}
}

// HandlePublishQoS2 records an incoming QoS 2 publish. A repeat delivery of
// the same mid (the original PUBREC was lost) is detected and answered
// with another PUBREC without creating a second entry.
func (e *Engine) HandlePublishQoS2(connID string, mid uint16, storeID uint64) (duplicate bool, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrEngineClosed
	}
	for _, m := range e.clients[connID] {
		if m.Direction == Incoming && m.Mid == mid {
			e.mu.Unlock()
			e.sender.SendPubrec(connID, mid)
			return true, nil
		}
	}
	e.mu.Unlock()

	if _, err := e.Insert(connID, Incoming, packet.QoS2, mid, storeID); err != nil {
		return false, err
	}
	return false, nil
}

// HandlePubrel completes an incoming QoS 2 exchange: the stored message's
// id is returned so the caller can fan it out to subscribers before the
// PUBCOMP is sent. A PUBCOMP is sent even when no entry is found (the
// PUBREL itself was a retransmission), matching MQTT's requirement that
// both sides tolerate duplicate handshake packets.
func (e *Engine) HandlePubrel(connID string, mid uint16) (storeID uint64, found bool) {
	e.mu.Lock()
	list := e.clients[connID]
	for i, m := range list {
		if m.Direction == Incoming && m.Mid == mid {
			storeID = m.StoreID
			found = true
			e.clients[connID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.sender.SendPubcomp(connID, mid)
	return storeID, found
}

// HandlePuback completes an outgoing QoS 1 exchange and releases the
// StoredMessage's delivery refcount.
func (e *Engine) HandlePuback(connID string, mid uint16) error {
	e.mu.Lock()
	storeID, ok := e.removeOutgoingLocked(connID, mid)
	if ok {
		e.promoteLocked(connID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrEntryNotFound
	}
	e.store.Release(storeID)
	return nil
}

// HandlePubrec advances an outgoing QoS 2 exchange: PUBREL is sent right
// away rather than waiting for the next write pass.
func (e *Engine) HandlePubrec(connID string, mid uint16) error {
	e.mu.Lock()
	var target *ClientMsg
	for _, m := range e.clients[connID] {
		if m.Direction == Outgoing && m.Mid == mid {
			target = m
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return ErrEntryNotFound
	}
	target.State = StateWaitPubcomp
	target.UpdatedAt = time.Now()
	e.mu.Unlock()

	return e.sender.SendPubrel(connID, target)
}

// HandlePubcomp completes an outgoing QoS 2 exchange and releases the
// StoredMessage's delivery refcount.
func (e *Engine) HandlePubcomp(connID string, mid uint16) error {
	e.mu.Lock()
	storeID, ok := e.removeOutgoingLocked(connID, mid)
	if ok {
		e.promoteLocked(connID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrEntryNotFound
	}
	e.store.Release(storeID)
	return nil
}

func (e *Engine) removeOutgoingLocked(connID string, mid uint16) (storeID uint64, found bool) {
	list := e.clients[connID]
	for i, m := range list {
		if m.Direction == Outgoing && m.Mid == mid {
			storeID = m.StoreID
			found = true
			e.clients[connID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return storeID, found
}

// RetryTick scans every client for wait_* entries older than the retry
// interval and flips them to the corresponding publish_*/resend_* state
// with DUP set, then runs a write pass so the flip takes effect.
func (e *Engine) RetryTick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	now := time.Now()
	for connID, list := range e.clients {
		touched := false
		for _, m := range list {
			if now.Sub(m.UpdatedAt) < e.config.RetryInterval {
				continue
			}
			switch m.State {
			case StateWaitPuback:
				m.State = StatePublishPuback
			case StateWaitPubrec:
				if m.Direction == Outgoing {
					m.State = StatePublishPubrec
				} else {
					m.State = StateResendPubrec
				}
			case StateWaitPubcomp:
				m.State = StateResendPubrel
			case StateWaitPubrel:
				m.State = StateResendPubcomp
			default:
				continue
			}
			m.Dup = true
			m.UpdatedAt = now
			touched = true
		}
		if touched {
			e.flushLocked(connID)
		}
	}
}

// RemoveClient drops connID's list entirely (clean-session disconnect) and
// returns what was in it so the caller can release StoredMessage refcounts.
func (e *Engine) RemoveClient(connID string) []*ClientMsg {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.clients[connID]
	delete(e.clients, connID)
	return list
}

// RestoreClient reinstates a persisted list for a reconnecting non-clean
// session and resumes the write phase for anything left active.
func (e *Engine) RestoreClient(connID string, entries []*ClientMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[connID] = entries
	e.flushLocked(connID)
}

// Pending returns a snapshot of connID's list, for persistence.
func (e *Engine) Pending(connID string) []*ClientMsg {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ClientMsg, len(e.clients[connID]))
	copy(out, e.clients[connID])
	return out
}

// InflightCount returns the number of qos>0 entries not sitting in queued.
func (e *Engine) InflightCount(connID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, m := range e.clients[connID] {
		if m.QoS > packet.QoS0 && m.State != StateQueued {
			count++
		}
	}
	return count
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

package store

import (
	"sync"

	"github.com/kestrelmq/broker/codec/packet"
)

// StoredMessage is an immutable published message held in the broker's
// message store. It is shared by every ClientMsg (and retained slot) that
// references it; the store destroys it once refcount drops to zero.
type StoredMessage struct {
	ID        uint64
	SourceID  string
	SourceMid uint16
	Topic     string
	QoS       packet.QoS
	Retain    bool
	Payload   []byte
	refcount  int
}

// MessageStore is the content-addressed message store described in the
// message-store component: a dense id allocator plus refcounted entries,
// so a message published once can be referenced by many outgoing ClientMsg
// entries and one retained slot without copying its payload.
type MessageStore struct {
	mu       sync.RWMutex
	entries  map[uint64]*StoredMessage
	lastDBID uint64
	closed   bool
}

// NewMessageStore creates an empty store. lastDBID seeds the id allocator,
// used when restoring from a persistence file so newly stored messages
// never reuse an id that existed in the snapshot.
func NewMessageStore(lastDBID uint64) *MessageStore {
	return &MessageStore{
		entries:  make(map[uint64]*StoredMessage),
		lastDBID: lastDBID,
	}
}

// Store allocates a new store id and records the message. The returned
// entry starts at refcount 0; callers must call Retain for every
// reference they keep (a ClientMsg, a retained slot).
func (s *MessageStore) Store(sourceID string, sourceMid uint16, topic string, qos packet.QoS, payload []byte, retain bool) *StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastDBID++
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	entry := &StoredMessage{
		ID:        s.lastDBID,
		SourceID:  sourceID,
		SourceMid: sourceMid,
		Topic:     topic,
		QoS:       qos,
		Retain:    retain,
		Payload:   payloadCopy,
	}
	s.entries[entry.ID] = entry
	return entry
}

// Restore inserts a StoredMessage with a caller-supplied id, used when
// loading chunks from a persistence file. It does not touch the id
// allocator; callers restoring a snapshot set LastDBID separately via
// SetLastDBID once every MSG_STORE chunk has been read.
func (s *MessageStore) Restore(entry *StoredMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
}

// SetLastDBID sets the id allocator's high-water mark, used after restoring
// a snapshot's CFG chunk.
func (s *MessageStore) SetLastDBID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.lastDBID {
		s.lastDBID = id
	}
}

// LastDBID returns the id allocator's current high-water mark.
func (s *MessageStore) LastDBID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDBID
}

// Find returns the existing entry published by sourceID/sourceMid, used to
// detect retransmission of an inbound QoS-2 publication before it
// completes its handshake.
func (s *MessageStore) Find(sourceID string, sourceMid uint16) (*StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SourceID == sourceID && e.SourceMid == sourceMid {
			return e, true
		}
	}
	return nil, false
}

// Get returns the entry with the given store id.
func (s *MessageStore) Get(id uint64) (*StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Retain increments an entry's reference count. Called when a ClientMsg or
// a retained slot starts referring to it.
func (s *MessageStore) Retain(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.refcount++
	}
}

// Release decrements an entry's reference count. The entry is not removed
// immediately; it is swept by Clean once refcount reaches zero.
func (s *MessageStore) Release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && e.refcount > 0 {
		e.refcount--
	}
}

// Refcount returns an entry's current reference count.
func (s *MessageStore) Refcount(id uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.refcount
	}
	return 0
}

// Clean removes every entry with refcount zero. It runs on a timer and at
// shutdown.
func (s *MessageStore) Clean() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.refcount == 0 {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live entries, used by the $SYS tree.
func (s *MessageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// All returns every live entry, used to write MSG_STORE chunks on backup.
func (s *MessageStore) All() []*StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StoredMessage, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Close releases the store's resources. A closed store must not be used.
func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true
	s.entries = nil
	return nil
}

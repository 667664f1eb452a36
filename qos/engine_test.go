package qos

import (
	"testing"
	"time"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	published []uint16
	pubrecs   []uint16
	pubrels   []uint16
	pubcomps  []uint16
	dups      map[uint16]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{dups: make(map[uint16]bool)}
}

func (s *fakeSender) SendPublish(connID string, m *ClientMsg) error {
	s.published = append(s.published, m.Mid)
	if m.Dup {
		s.dups[m.Mid] = true
	}
	return nil
}
func (s *fakeSender) SendPubrec(connID string, mid uint16) error {
	s.pubrecs = append(s.pubrecs, mid)
	return nil
}
func (s *fakeSender) SendPubrel(connID string, m *ClientMsg) error {
	s.pubrels = append(s.pubrels, m.Mid)
	return nil
}
func (s *fakeSender) SendPubcomp(connID string, mid uint16) error {
	s.pubcomps = append(s.pubcomps, mid)
	return nil
}

func newTestEngine(maxInflight, maxQueued int) (*Engine, *fakeSender, *store.MessageStore) {
	ms := store.NewMessageStore(0)
	sender := newFakeSender()
	cfg := Config{MaxInflight: maxInflight, MaxQueued: maxQueued, RetryInterval: 20 * time.Second}
	return NewEngine(cfg, sender, ms), sender, ms
}

func TestEngine_OutgoingQoS0SendsAndRemoves(t *testing.T) {
	e, sender, _ := newTestEngine(20, 100)
	_, err := e.Insert("c1", Outgoing, packet.QoS0, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, []uint16{1}, sender.published)
	assert.Equal(t, 0, e.InflightCount("c1"))
	assert.Len(t, e.Pending("c1"), 0)
}

func TestEngine_OutgoingQoS1FullRoundTrip(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	stored := ms.Store("pub", 1, "t", packet.QoS1, []byte("x"), false)
	ms.Retain(stored.ID)

	_, err := e.Insert("c1", Outgoing, packet.QoS1, 5, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint16{5}, sender.published)
	assert.Equal(t, 1, e.InflightCount("c1"))

	require.NoError(t, e.HandlePuback("c1", 5))
	assert.Equal(t, 0, e.InflightCount("c1"))
	assert.Equal(t, 0, ms.Refcount(stored.ID))
}

func TestEngine_OutgoingQoS2FullRoundTrip(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	stored := ms.Store("pub", 1, "t", packet.QoS2, []byte("x"), false)
	ms.Retain(stored.ID)

	_, err := e.Insert("c1", Outgoing, packet.QoS2, 9, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint16{9}, sender.published)

	require.NoError(t, e.HandlePubrec("c1", 9))
	assert.Equal(t, []uint16{9}, sender.pubrels)

	require.NoError(t, e.HandlePubcomp("c1", 9))
	assert.Equal(t, 0, e.InflightCount("c1"))
	assert.Equal(t, 0, ms.Refcount(stored.ID))
}

func TestEngine_IncomingQoS2DedupsBySourceMid(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	stored := ms.Store("sub", 7, "t", packet.QoS2, []byte("x"), false)

	dup, err := e.HandlePublishQoS2("sub", 7, stored.ID)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, []uint16{7}, sender.pubrecs)

	dup, err = e.HandlePublishQoS2("sub", 7, stored.ID)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, []uint16{7, 7}, sender.pubrecs)
}

func TestEngine_IncomingPubrelReleasesAndSendsPubcomp(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	stored := ms.Store("sub", 3, "t", packet.QoS2, []byte("x"), false)

	_, err := e.HandlePublishQoS2("sub", 3, stored.ID)
	require.NoError(t, err)

	storeID, found := e.HandlePubrel("sub", 3)
	assert.True(t, found)
	assert.Equal(t, stored.ID, storeID)
	assert.Equal(t, []uint16{3}, sender.pubcomps)

	storeID, found = e.HandlePubrel("sub", 3)
	assert.False(t, found)
	assert.Equal(t, uint64(0), storeID)
	assert.Equal(t, []uint16{3, 3}, sender.pubcomps)
}

func TestEngine_AdmissionQueuesBeyondMaxInflight(t *testing.T) {
	e, sender, ms := newTestEngine(1, 1)
	s1 := ms.Store("pub", 1, "t", packet.QoS1, []byte("1"), false)
	s2 := ms.Store("pub", 2, "t", packet.QoS1, []byte("2"), false)

	_, err := e.Insert("c1", Outgoing, packet.QoS1, 1, s1.ID)
	require.NoError(t, err)
	_, err = e.Insert("c1", Outgoing, packet.QoS1, 2, s2.ID)
	require.NoError(t, err)

	assert.Equal(t, []uint16{1}, sender.published)
	pending := e.Pending("c1")
	require.Len(t, pending, 2)
	assert.Equal(t, StateQueued, pending[1].State)

	require.NoError(t, e.HandlePuback("c1", 1))
	assert.Equal(t, []uint16{1, 2}, sender.published)
	assert.Equal(t, StateWaitPuback, e.Pending("c1")[0].State)
}

func TestEngine_AdmissionDropsWhenQueueFull(t *testing.T) {
	e, _, ms := newTestEngine(1, 1)
	s1 := ms.Store("pub", 1, "t", packet.QoS1, []byte("1"), false)
	s2 := ms.Store("pub", 2, "t", packet.QoS1, []byte("2"), false)
	s3 := ms.Store("pub", 3, "t", packet.QoS1, []byte("3"), false)

	_, err := e.Insert("c1", Outgoing, packet.QoS1, 1, s1.ID)
	require.NoError(t, err)
	_, err = e.Insert("c1", Outgoing, packet.QoS1, 2, s2.ID)
	require.NoError(t, err)
	_, err = e.Insert("c1", Outgoing, packet.QoS1, 3, s3.ID)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestEngine_RetryTickFlipsStaleWaitStateAndSetsDup(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	e.config.RetryInterval = 0
	stored := ms.Store("pub", 1, "t", packet.QoS1, []byte("x"), false)

	_, err := e.Insert("c1", Outgoing, packet.QoS1, 11, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint16{11}, sender.published)

	e.RetryTick()
	assert.Equal(t, []uint16{11, 11}, sender.published)
	assert.True(t, sender.dups[11])
}

func TestEngine_RetryTickResendsIncomingPubrec(t *testing.T) {
	e, sender, ms := newTestEngine(20, 100)
	e.config.RetryInterval = 0
	stored := ms.Store("sub", 1, "t", packet.QoS2, []byte("x"), false)

	_, err := e.HandlePublishQoS2("sub", 4, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4}, sender.pubrecs)

	e.RetryTick()
	assert.Equal(t, []uint16{4, 4}, sender.pubrecs)
}

func TestEngine_RemoveClientReturnsPendingForRefcountCleanup(t *testing.T) {
	e, _, ms := newTestEngine(20, 100)
	stored := ms.Store("pub", 1, "t", packet.QoS1, []byte("x"), false)
	ms.Retain(stored.ID)

	_, err := e.Insert("c1", Outgoing, packet.QoS1, 1, stored.ID)
	require.NoError(t, err)

	removed := e.RemoveClient("c1")
	require.Len(t, removed, 1)
	assert.Equal(t, stored.ID, removed[0].StoreID)
	assert.Len(t, e.Pending("c1"), 0)
}

func TestEngine_DeliveryOrderIsFIFOPerClient(t *testing.T) {
	e, sender, ms := newTestEngine(0, 100)
	for i := uint16(1); i <= 3; i++ {
		stored := ms.Store("pub", i, "t", packet.QoS0, []byte("x"), false)
		_, err := e.Insert("c1", Outgoing, packet.QoS0, i, stored.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint16{1, 2, 3}, sender.published)
}

// Package broker wires the codec, subscription trie, message store,
// delivery engine, session manager, and persistence into a running MQTT
// 3.1 server: spec.md's event loop and Connection state machine (§4.3, §5).
//
// The original implementation is single-threaded and cooperative; this
// broker keeps the teacher's goroutine-per-connection networking layer
// (network.Listener spawns one goroutine per accepted socket) and gets the
// same effect — "all state mutation happens from one place" — by routing
// every trie/store/engine/session mutation through a single broker-wide
// mutex instead of a single OS thread. Two connections' goroutines can be
// blocked in a socket read at the same time; only one of them is ever
// inside the shared state at once.
package broker

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/hook"
	"github.com/kestrelmq/broker/network"
	"github.com/kestrelmq/broker/persist"
	"github.com/kestrelmq/broker/pkg/logger"
	"github.com/kestrelmq/broker/qos"
	"github.com/kestrelmq/broker/session"
	"github.com/kestrelmq/broker/store"
	"github.com/kestrelmq/broker/sys"
	"github.com/kestrelmq/broker/topic"
)

// Broker owns every piece of shared broker state and is the qos.Sender and
// session.WillPublisher implementation the lower packages call back into.
type Broker struct {
	cfg Config
	log *logger.SlogLogger

	mu      sync.Mutex // serializes every trie/store/engine/clients mutation
	trie    *topic.Trie
	store   *store.MessageStore
	engine  *qos.Engine
	hooks   *hook.Manager
	clients map[string]*Conn // live connections, keyed by MQTT client id
	sysTree *sys.Tree

	sessions *session.Manager
	sessStore *session.MemoryStore

	listeners []*network.Listener
	pool      *network.Pool
	dm        *network.DisconnectManager
	gs        *network.GracefulShutdown

	startedAt time.Time
	msgsIn    atomic.Uint64
	msgsOut   atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	reloadFlag atomic.Bool // SIGHUP
	backupFlag atomic.Bool // SIGUSR1
	dumpFlag   atomic.Bool // SIGUSR2
	reloadFn   func() (Config, error)

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Broker from cfg. It does not start listening; call Start.
func New(cfg Config, log *logger.SlogLogger) *Broker {
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}
	sessStore := session.NewMemoryStore()
	b := &Broker{
		cfg:       cfg,
		log:       log,
		trie:      topic.NewTrie(),
		store:     store.NewMessageStore(0),
		hooks:     hook.NewManager(),
		clients:   make(map[string]*Conn),
		sysTree:   sys.NewTree(),
		sessStore: sessStore,
		stopCh:    make(chan struct{}),
	}
	b.sessions = session.NewManager(session.ManagerConfig{
		Store:               sessStore,
		ExpiryCheckInterval: 30 * time.Second,
		WillPublisher:       b,
		AssignedIDPrefix:    cfg.ClientIDPrefixes,
	})
	b.engine = qos.NewEngine(qos.Config{
		MaxInflight:   cfg.MaxInflightMessages,
		MaxQueued:     cfg.MaxQueuedMessages,
		RetryInterval: cfg.RetryInterval,
	}, b, b.store)
	return b
}

// AddHook registers a hook (auth, ACL, rate limiting, ...) before Start.
func (b *Broker) AddHook(h hook.Hook) error {
	return b.hooks.Add(h)
}

// SetReloadFunc registers the callback SIGHUP invokes to reread the config
// file on disk. The broker package can't import config directly (config
// imports broker to build a Config), so the caller — normally
// cmd/kestrelmqd — supplies the loader closure over whatever path it was
// started with.
func (b *Broker) SetReloadFunc(fn func() (Config, error)) {
	b.reloadFn = fn
}

// reload reruns reloadFn and copies AllowAnonymous, ACLFile, PasswordFile,
// ClientIDPrefixes and MaxConnections into b.cfg. Of these only
// AllowAnonymous changes behaviour afterwards (handleConnect reads it on
// every CONNECT): the listeners keep the connection cap they were created
// with in Start, the session manager keeps the client id prefix it was
// given in New, and the broker does not read the ACL or password file
// paths. Listener addresses, store intervals, and persistence settings are
// not copied at all.
func (b *Broker) reload() {
	if b.reloadFn == nil {
		return
	}
	newCfg, err := b.reloadFn()
	if err != nil {
		b.log.Error("config reload failed", "error", err)
		return
	}
	b.mu.Lock()
	b.cfg.AllowAnonymous = newCfg.AllowAnonymous
	b.cfg.ACLFile = newCfg.ACLFile
	b.cfg.PasswordFile = newCfg.PasswordFile
	b.cfg.ClientIDPrefixes = newCfg.ClientIDPrefixes
	b.cfg.MaxConnections = newCfg.MaxConnections
	b.mu.Unlock()
	b.log.Info("config reloaded")
}

// Start restores persistence if a file exists, opens every configured
// listener, and starts the periodic timers and signal handler.
func (b *Broker) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if len(b.cfg.Listeners) == 0 {
		return ErrListenerRequired
	}

	if b.cfg.Persistence {
		if err := b.restore(ctx); err != nil {
			return err
		}
	}

	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return errors.Wrap(err, "broker: create connection pool")
	}
	b.pool = pool
	b.dm = network.NewDisconnectManager(5 * time.Second)
	b.gs = network.NewGracefulShutdown(pool, b.dm, 30*time.Second)

	for _, lc := range b.cfg.Listeners {
		lcfg := network.DefaultListenerConfig(lc.Address)
		if b.cfg.MaxConnections > 0 {
			lcfg.MaxConnections = b.cfg.MaxConnections
		}
		l, err := network.NewListener(lcfg, pool)
		if err != nil {
			return errors.Wrapf(err, "broker: create listener for %q", lc.Address)
		}
		mountPoint := lc.MountPoint
		l.OnConnection(func(nc *network.Connection) error {
			return b.handleConnection(nc, mountPoint)
		})
		if err := l.Start(); err != nil {
			return errors.Wrapf(err, "broker: start listener on %q", lc.Address)
		}
		b.listeners = append(b.listeners, l)
	}

	b.startedAt = time.Now()
	b.hooks.OnStarted()
	b.startTimers()
	b.startSignalHandler()
	b.startBridges()
	return nil
}

// Stop drains every connection gracefully, runs a final backup if
// persistence is enabled, and releases every subsystem's resources.
func (b *Broker) Stop(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	close(b.stopCh)
	b.wg.Wait()

	for _, l := range b.listeners {
		l.Close()
	}
	if b.gs != nil {
		b.gs.Shutdown(ctx)
	}

	if b.cfg.Persistence {
		b.mu.Lock()
		err := b.backupLocked(true)
		b.mu.Unlock()
		if err != nil {
			b.log.Error("final backup failed", "error", err)
		}
	}

	b.engine.Close()
	b.store.Close()
	b.sessions.Close()
	if b.pool != nil {
		b.pool.Close()
	}
	b.hooks.OnStopped(nil)
	return nil
}

// restore loads the persistence file (if any) before the listeners open,
// so the store, trie, and engine are populated before any client can
// connect and observe them.
func (b *Broker) restore(ctx context.Context) error {
	path := b.cfg.persistPath()
	if !persist.Exists(path) {
		return nil
	}
	snap, err := persist.Restore(path)
	if err != nil {
		return errors.Wrapf(err, "broker: restore persistence file %q", path)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.store.SetLastDBID(snap.LastDBID)
	for _, m := range snap.Messages {
		b.store.Restore(&store.StoredMessage{
			ID:        m.ID,
			SourceID:  m.SourceID,
			SourceMid: m.SourceMid,
			Topic:     m.Topic,
			QoS:       m.QoS,
			Retain:    m.Retain,
			Payload:   m.Payload,
		})
	}
	for _, s := range snap.Subs {
		b.trie.Subscribe(s.Topic, s.ClientID, s.QoS)
		b.seedSessionLocked(ctx, s.ClientID)
	}
	for _, id := range snap.Retained {
		stored, ok := b.store.Get(id)
		if !ok {
			return errors.Wrapf(ErrRestoreDangling, "store id %d", id)
		}
		b.trie.SetRetained(stored.Topic, stored, b.store)
	}
	for _, c := range snap.Clients {
		for _, m := range c.Messages {
			if _, ok := b.store.Get(m.StoreID); ok {
				b.store.Retain(m.StoreID)
			}
		}
		b.engine.RestoreClient(c.ClientID, c.Messages)
		b.seedSessionLocked(ctx, c.ClientID)
	}
	return nil
}

// seedSessionLocked makes sure a non-clean-session client discovered in the
// persistence file has a disconnected Session on record, so the next
// CreateSession call correctly reports session_present=true.
func (b *Broker) seedSessionLocked(ctx context.Context, clientID string) {
	if _, err := b.sessStore.Load(ctx, clientID); err == nil {
		return
	}
	s := session.New(clientID, false, 0, uint8(encoding.ProtocolVersion31))
	s.SetDisconnected()
	b.sessStore.Save(ctx, s)
}

// backupLocked assembles a Snapshot from live state and writes it. Caller
// holds b.mu.
func (b *Broker) backupLocked(shutdown bool) error {
	snap := persist.Snapshot{
		LastDBID: b.store.LastDBID(),
		Shutdown: shutdown,
	}
	for _, m := range b.store.All() {
		snap.Messages = append(snap.Messages, persist.MessageEntry{
			ID: m.ID, SourceID: m.SourceID, SourceMid: m.SourceMid,
			Topic: m.Topic, QoS: m.QoS, Retain: m.Retain, Payload: m.Payload,
		})
	}
	b.trie.Walk(func(e topic.WalkEntry) {
		if e.Retained != nil {
			snap.Retained = append(snap.Retained, e.Retained.ID)
		}
		for _, sub := range e.Subs {
			snap.Subs = append(snap.Subs, persist.SubEntry{ClientID: sub.ConnID, Topic: e.Topic, QoS: sub.QoS})
		}
	})
	byClient := make(map[string][]*qos.ClientMsg)
	var order []string
	for clientID := range b.clients {
		order = append(order, clientID)
	}
	for _, clientID := range b.sessions.GetAllActiveSessions() {
		if _, ok := byClient[clientID]; !ok {
			order = append(order, clientID)
		}
	}
	seen := make(map[string]bool)
	for _, clientID := range order {
		if seen[clientID] {
			continue
		}
		seen[clientID] = true
		if pending := b.engine.Pending(clientID); len(pending) > 0 {
			byClient[clientID] = pending
		}
	}
	for clientID, msgs := range byClient {
		snap.Clients = append(snap.Clients, persist.ClientEntry{ClientID: clientID, Messages: msgs})
	}

	path := b.cfg.persistPath()
	if err := persist.Backup(path, snap, persist.Options{Compress: b.cfg.PersistenceCompress}); err != nil {
		return errors.Wrapf(err, "broker: back up persistence file %q", path)
	}
	return nil
}

// MetricsHandler serves the Prometheus mirror of every $SYS stat sysTree
// tracks, for an operator-supplied HTTP server to mount at e.g. /metrics.
func (b *Broker) MetricsHandler() http.Handler {
	return b.sysTree.Handler()
}

// ListenerAddr returns the bound address of the i-th configured listener,
// the actual ephemeral port when its config used ":0" — tests need this to
// dial back in; mirrors network.Listener's own Addr() accessor.
func (b *Broker) ListenerAddr(i int) net.Addr {
	if i < 0 || i >= len(b.listeners) {
		return nil
	}
	return b.listeners[i].Addr()
}

// PublishWill implements session.WillPublisher: the session manager calls
// this when a non-clean-session client's will delay has elapsed (or the
// session expired outright) without a matching reconnect.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(clientID, will.Topic, packet.QoS(will.QoS), will.Retain, will.Payload)
	return nil
}

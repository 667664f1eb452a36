package broker

import (
	"runtime"
	"time"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/hook"
)

// startTimers launches the broker's periodic background work: QoS retry
// sweeps, message store garbage collection, $SYS info ticks, and autosave.
// Each ticker goroutine is tracked by b.wg and stops when stopCh closes.
func (b *Broker) startTimers() {
	b.startTicker(b.cfg.RetryInterval, func() {
		b.mu.Lock()
		b.engine.RetryTick()
		b.mu.Unlock()
	})

	b.startTicker(b.cfg.StoreCleanInterval, func() {
		b.mu.Lock()
		b.store.Clean()
		b.mu.Unlock()
	})

	b.startTicker(b.cfg.SysInterval, func() {
		b.mu.Lock()
		info := b.sysInfoLocked()
		for _, stat := range b.sysTree.Collect(info) {
			b.publishLocked("", stat.Topic, packet.QoS2, true, stat.Payload)
		}
		b.mu.Unlock()
		b.hooks.OnSysInfoTick(info)
	})

	if b.cfg.Persistence && b.cfg.AutosaveInterval > 0 {
		b.startTicker(b.cfg.AutosaveInterval, func() {
			b.mu.Lock()
			err := b.backupLocked(false)
			b.mu.Unlock()
			if err != nil {
				b.log.Error("autosave failed", "error", err)
			}
		})
	}
}

// startTicker runs fn on every tick of a time.Ticker(interval) until stopCh
// closes. A non-positive interval disables the timer entirely (some specs
// use 0 to mean "never").
func (b *Broker) startTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// sysInfoLocked gathers the $SYS snapshot spec.md §4.9 publishes and hooks
// (registered sys/Prometheus exporters, etc.) observe. Caller holds b.mu.
func (b *Broker) sysInfoLocked() *hook.SysInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	connected := int64(0)
	for _, c := range b.clients {
		if c.state == stateConnected {
			connected++
		}
	}

	return &hook.SysInfo{
		Uptime:           int64(time.Since(b.startedAt).Seconds()),
		Started:          b.startedAt,
		Time:             time.Now(),
		ClientsConnected: connected,
		ClientsTotal:     int64(len(b.clients)),
		MessagesReceived: int64(b.msgsIn.Load()),
		MessagesSent:     int64(b.msgsOut.Load()),
		Subscriptions:    int64(b.trie.Count()),
		Inflight:         int64(b.store.Count()),
		MemoryAlloc:      mem.Alloc,
	}
}

package broker

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelmq/broker/topic"
)

// startSignalHandler mirrors the original implementation's signal set
// (src/mosquitto.c): SIGHUP flags a config reload, SIGUSR1 backs up the
// persistence file immediately, SIGUSR2 dumps the subscription tree to the
// log, and SIGINT/SIGTERM stop the broker gracefully.
func (b *Broker) startSignalHandler() {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					b.reloadFlag.Store(true)
					b.log.Info("SIGHUP received, config reload requested")
					b.reload()
					b.reloadFlag.Store(false)
				case syscall.SIGUSR1:
					b.backupFlag.Store(true)
					if b.cfg.Persistence {
						b.mu.Lock()
						err := b.backupLocked(false)
						b.mu.Unlock()
						if err != nil {
							b.log.Error("signal-triggered backup failed", "error", err)
						}
					}
					b.backupFlag.Store(false)
				case syscall.SIGUSR2:
					b.dumpFlag.Store(true)
					b.dumpSubscriptions()
					b.dumpFlag.Store(false)
				case syscall.SIGINT, syscall.SIGTERM:
					// Stop waits on b.wg, which this goroutine is itself a
					// member of; run it from a goroutine outside the group
					// so returning here (and releasing our own wg slot)
					// doesn't have to wait on ourselves.
					go func() {
						ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
						defer cancel()
						if err := b.Stop(ctx); err != nil {
							b.log.Error("shutdown failed", "error", err)
						}
					}()
					return
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}

// dumpSubscriptions logs every (topic, client, qos) triple currently held
// in the trie, the Go-idiom equivalent of mqtt3_sub_tree_print.
func (b *Broker) dumpSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trie.Walk(func(e topic.WalkEntry) {
		for _, sub := range e.Subs {
			b.log.Info("subscription", "topic", e.Topic, "client_id", sub.ConnID, "qos", sub.QoS)
		}
	})
}

// Package sys implements spec.md §4.9's periodic $SYS/broker/... retained
// publication. hook.Hook implementations only see Client/packet DTOs, with
// no path back into the trie/store a publish needs, so Tree is a plain
// type broker/timers.go calls directly from inside its already-locked
// sys-interval tick rather than a registered hook.
package sys

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelmq/broker/hook"
)

// Stat is one $SYS/broker/... topic whose retained value changed since the
// previous Collect call.
type Stat struct {
	Topic   string
	Payload []byte
}

// Tree mirrors every broker stat as a Prometheus gauge (grounded on
// golang-io-mqtt/stat.go's Stat/Register pattern) and tracks the last
// rendered value of each $SYS topic so Collect only returns what changed,
// the suppression spec.md §4.9 requires.
type Tree struct {
	mu   sync.Mutex
	last map[string]string

	registry *prometheus.Registry

	uptime           prometheus.Gauge
	clientsConnected prometheus.Gauge
	clientsTotal     prometheus.Gauge
	messagesReceived prometheus.Gauge
	messagesSent     prometheus.Gauge
	subscriptions    prometheus.Gauge
	inflight         prometheus.Gauge
	heapAlloc        prometheus.Gauge
}

// NewTree builds a Tree with its own Prometheus registry, so embedding
// multiple brokers in one process (tests, mainly) never collides on the
// global default registry.
func NewTree() *Tree {
	t := &Tree{
		last:     make(map[string]string),
		registry: prometheus.NewRegistry(),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_uptime_seconds", Help: "Seconds since the broker started",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_clients_connected", Help: "Currently connected clients",
		}),
		clientsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_clients_total", Help: "Known clients, connected or not",
		}),
		messagesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_messages_received_total", Help: "PUBLISH packets received from clients",
		}),
		messagesSent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_messages_sent_total", Help: "PUBLISH packets sent to clients",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_subscriptions", Help: "Live subscription count across the trie",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_inflight_messages", Help: "Stored messages awaiting delivery or acknowledgement",
		}),
		heapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_broker_heap_alloc_bytes", Help: "runtime.MemStats.Alloc",
		}),
	}
	t.registry.MustRegister(
		t.uptime, t.clientsConnected, t.clientsTotal,
		t.messagesReceived, t.messagesSent,
		t.subscriptions, t.inflight, t.heapAlloc,
	)
	return t
}

// Handler exposes every registered metric on an internal /metrics endpoint,
// alongside (not instead of) the retained $SYS publication Collect drives.
func (t *Tree) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Collect updates the Prometheus mirror unconditionally, then returns only
// the $SYS/broker/... topics whose rendered value changed since the last
// call. Caller publishes each returned Stat retained at QoS 2.
func (t *Tree) Collect(info *hook.SysInfo) []Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.uptime.Set(float64(info.Uptime))
	t.clientsConnected.Set(float64(info.ClientsConnected))
	t.clientsTotal.Set(float64(info.ClientsTotal))
	t.messagesReceived.Set(float64(info.MessagesReceived))
	t.messagesSent.Set(float64(info.MessagesSent))
	t.subscriptions.Set(float64(info.Subscriptions))
	t.inflight.Set(float64(info.Inflight))
	t.heapAlloc.Set(float64(info.MemoryAlloc))

	candidates := [...]struct {
		topic string
		value string
	}{
		{"$SYS/broker/uptime", fmt.Sprintf("%d seconds", info.Uptime)},
		{"$SYS/broker/clients/connected", fmt.Sprintf("%d", info.ClientsConnected)},
		{"$SYS/broker/clients/total", fmt.Sprintf("%d", info.ClientsTotal)},
		{"$SYS/broker/messages/received", fmt.Sprintf("%d", info.MessagesReceived)},
		{"$SYS/broker/messages/sent", fmt.Sprintf("%d", info.MessagesSent)},
		{"$SYS/broker/subscriptions/count", fmt.Sprintf("%d", info.Subscriptions)},
		{"$SYS/broker/messages/inflight", fmt.Sprintf("%d", info.Inflight)},
		{"$SYS/broker/heap/current", fmt.Sprintf("%d", info.MemoryAlloc)},
	}

	var changed []Stat
	for _, c := range candidates {
		if t.last[c.topic] == c.value {
			continue
		}
		t.last[c.topic] = c.value
		changed = append(changed, Stat{Topic: c.topic, Payload: []byte(c.value)})
	}
	return changed
}

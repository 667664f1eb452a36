package broker

import (
	"time"

	"github.com/kestrelmq/broker/bridge"
)

// ListenerConfig is one `listener <port> [host]` block, optionally carrying
// a mount_point that prefixes/strips topics for clients on that listener.
type ListenerConfig struct {
	Address    string // host:port
	MountPoint string
}

// Config is the broker's full runtime configuration, the Go-native shape
// of spec.md §6's config file key table. The `config` package parses a
// file into this struct; tests and embedders can also build one directly.
type Config struct {
	Listeners           []ListenerConfig
	MaxConnections       int
	AllowAnonymous        bool
	ClientIDPrefixes      string
	MaxInflightMessages   int
	MaxQueuedMessages     int
	RetryInterval         time.Duration
	StoreCleanInterval    time.Duration
	SysInterval           time.Duration
	AutosaveInterval      time.Duration
	Persistence           bool
	PersistenceFile       string
	PersistenceLocation   string
	PersistenceCompress   bool
	PasswordFile          string
	ACLFile               string
	Bridges               []bridge.Config
}

// DefaultConfig mirrors the original implementation's compiled-in defaults
// (src/conf.c): autosave every 30 minutes wasn't mosquitto's default, but
// the values below match mosquitto.conf's documented defaults for the keys
// spec.md §6 lists.
func DefaultConfig() Config {
	return Config{
		Listeners:           []ListenerConfig{{Address: ":1883"}},
		MaxConnections:      -1,
		AllowAnonymous:      true,
		MaxInflightMessages: 20,
		MaxQueuedMessages:   100,
		RetryInterval:       20 * time.Second,
		StoreCleanInterval:  10 * time.Second,
		SysInterval:         10 * time.Second,
		AutosaveInterval:    30 * time.Minute,
		Persistence:         false,
		PersistenceFile:     "mosquitto.db",
	}
}

func (c Config) persistPath() string {
	if c.PersistenceLocation != "" {
		return c.PersistenceLocation + "/" + c.PersistenceFile
	}
	return c.PersistenceFile
}

// Package config parses spec.md §6's line-oriented broker configuration
// file into a broker.Config, grounded on the original implementation's
// mqtt3_config_read (src/conf.c): `#`-comment lines, blank lines skipped,
// every other line is a whitespace-separated `key value...` pair.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelmq/broker/bridge"
	"github.com/kestrelmq/broker/broker"
	"github.com/kestrelmq/broker/codec/packet"
)

// Load reads and parses the config file at path, starting from
// broker.DefaultConfig() so any key the file doesn't mention keeps its
// compiled-in default.
func Load(path string) (broker.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return broker.Config{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads r line by line and applies every recognized key to a
// broker.DefaultConfig(). Unrecognized keys are ignored, matching the
// original's "several keys accepted but not yet implemented" carve-out
// (conf.c's trailing catch-all branch) rather than failing the whole file
// over one unsupported directive.
func Parse(r io.Reader) (broker.Config, error) {
	cfg := broker.DefaultConfig()
	cfg.Listeners = nil

	var curBridge *bridge.Config
	var curListener *broker.ListenerConfig

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		key := fields[0]
		args := fields[1:]

		switch key {
		case "acl_file":
			cfg.ACLFile = arg(args, 0)
		case "allow_anonymous":
			b, err := parseBool(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.AllowAnonymous = b
		case "autosave_interval":
			d, err := parseSeconds(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.AutosaveInterval = d
		case "clientid_prefixes":
			cfg.ClientIDPrefixes = arg(args, 0)
		case "max_connections":
			n, err := parseInt(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.MaxConnections = n
		case "max_inflight_messages":
			n, err := parseInt(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.MaxInflightMessages = n
		case "max_queued_messages":
			n, err := parseInt(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.MaxQueuedMessages = n
		case "retry_interval":
			d, err := parseSeconds(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.RetryInterval = d
		case "store_clean_interval":
			d, err := parseSeconds(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.StoreCleanInterval = d
		case "sys_interval":
			d, err := parseSeconds(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.SysInterval = d
		case "persistence", "retained_persistence":
			b, err := parseBool(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.Persistence = b
		case "persistence_file":
			cfg.PersistenceFile = arg(args, 0)
		case "persistence_location":
			cfg.PersistenceLocation = arg(args, 0)
		case "persistence_compression":
			b, err := parseBool(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			cfg.PersistenceCompress = b
		case "password_file":
			cfg.PasswordFile = arg(args, 0)
		case "listener":
			if len(args) == 0 {
				return cfg, parseErr(key, lineNo, "missing port")
			}
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return cfg, parseErr(key, lineNo, "invalid port %q", args[0])
			}
			host := "0.0.0.0"
			if len(args) > 1 {
				host = args[1]
			}
			cfg.Listeners = append(cfg.Listeners, broker.ListenerConfig{Address: fmt.Sprintf("%s:%d", host, port)})
			curListener = &cfg.Listeners[len(cfg.Listeners)-1]
		case "mount_point":
			if curListener == nil {
				return cfg, parseErr(key, lineNo, "mount_point outside a listener block")
			}
			curListener.MountPoint = arg(args, 0)

		case "connection":
			if len(args) == 0 {
				return cfg, parseErr(key, lineNo, "missing connection name")
			}
			c := bridge.DefaultConfig(args[0])
			cfg.Bridges = append(cfg.Bridges, c)
			curBridge = &cfg.Bridges[len(cfg.Bridges)-1]
		case "address", "addresses":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			curBridge.Address = normalizeBridgeAddress(arg(args, 0))
		case "clientid":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			curBridge.ClientID = arg(args, 0)
		case "cleansession":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			b, err := parseBool(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			curBridge.CleanSession = b
		case "keepalive_interval":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			n, err := parseInt(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			if n < 5 {
				n = 5
			}
			curBridge.KeepAlive = uint16(n)
		case "username":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			curBridge.Username = arg(args, 0)
		case "password":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			curBridge.Password = arg(args, 0)
		case "notifications":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			b, err := parseBool(args, key, lineNo)
			if err != nil {
				return cfg, err
			}
			curBridge.Notifications = b
		case "topic":
			if curBridge == nil {
				return cfg, parseErr(key, lineNo, "outside a connection block")
			}
			t, err := parseBridgeTopic(args, lineNo)
			if err != nil {
				return cfg, err
			}
			curBridge.Topics = append(curBridge.Topics, t)

		// Accepted but not yet meaningful for this broker (daemon control,
		// external log routing, unrelated database backends): recorded in
		// conf.c's own catch-all branch, kept here for file compatibility.
		case "pid_file", "user", "log_dest", "log_type", "bind_address",
			"autosave_on_changes", "connection_messages", "trace_level",
			"idle_timeout", "notification_topic", "round_robin", "start_type",
			"threshold", "try_private", "ffdc_output", "max_log_entries",
			"trace_output", "db_host", "db_name", "db_username", "db_password", "db_port":
			// no-op
		default:
			// Unknown key: ignored, not fatal, matching the original's
			// permissive stance toward keys from newer/other config
			// dialects.
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, err
	}
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []broker.ListenerConfig{{Address: ":1883"}}
	}
	return cfg, nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func parseBool(args []string, key string, line int) (bool, error) {
	v := arg(args, 0)
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, parseErr(key, line, "invalid boolean %q", v)
	}
}

func parseInt(args []string, key string, line int) (int, error) {
	v := arg(args, 0)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, parseErr(key, line, "invalid integer %q", v)
	}
	return n, nil
}

func parseSeconds(args []string, key string, line int) (time.Duration, error) {
	n, err := parseInt(args, key, line)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second, nil
}

// parseBridgeTopic implements src/conf.c's `topic` line inside a
// `connection` block, extended (src/bridge.c) with an optional qos level
// and local/remote prefix pair after the direction token.
func parseBridgeTopic(args []string, line int) (bridge.Topic, error) {
	if len(args) == 0 {
		return bridge.Topic{}, parseErr("topic", line, "missing pattern")
	}
	t := bridge.Topic{Pattern: args[0], Direction: "out", QoS: packet.QoS0}
	if len(args) > 1 {
		switch strings.ToLower(args[1]) {
		case "out":
			t.Direction = "out"
		case "in":
			t.Direction = "in"
		case "both":
			t.Direction = "both"
		default:
			return bridge.Topic{}, parseErr("topic", line, "invalid direction %q", args[1])
		}
	}
	if len(args) > 2 {
		q, err := strconv.Atoi(args[2])
		if err != nil || q < 0 || q > 2 {
			return bridge.Topic{}, parseErr("topic", line, "invalid qos %q", args[2])
		}
		t.QoS = packet.QoS(q)
	}
	if len(args) > 3 {
		t.LocalPrefix = args[3]
	}
	if len(args) > 4 {
		t.RemotePrefix = args[4]
	}
	return t, nil
}

// normalizeBridgeAddress turns conf.c's `host:port` address token (parsed
// there with two sequential strtok(token, ":") calls) into a Go "host:port"
// dial string, defaulting the port to 1883 when omitted.
func normalizeBridgeAddress(addr string) string {
	if addr == "" {
		return addr
	}
	if strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":1883"
}

func parseErr(key string, line int, format string, a ...any) error {
	return fmt.Errorf("config: line %d: %s: %s", line, key, fmt.Sprintf(format, a...))
}

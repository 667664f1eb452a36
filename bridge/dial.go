package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/encoding"
	"github.com/kestrelmq/broker/network"
)

// wireEncoder is satisfied by every outgoing packet type in encoding,
// mirroring broker/conn.go's identical interface for the client side of the
// handshake.
type wireEncoder interface {
	Encode(w io.Writer) error
}

// ErrConnectRefused is wrapped with the peer's CONNACK return code when the
// remote broker refuses the handshake.
var ErrConnectRefused = errors.New("bridge: remote broker refused connection")

// Dial opens a TCP connection to cfg.Address, performs the MQTT CONNECT
// handshake as a client, and subscribes to every topic whose direction
// wants inbound delivery ("in" or "both"). The returned *network.Connection
// is ready for Broker to register as an ordinary client connection: the
// handshake and subscriptions are already done, so every PUBLISH it
// receives afterward is an "in"-direction delivery from the peer.
func Dial(ctx context.Context, cfg Config) (*network.Connection, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "bridge %s: dial %s", cfg.Name, cfg.Address)
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60
	}
	nc := network.NewConnection(raw, "bridge-"+cfg.Name, &network.ConnectionConfig{
		KeepAlive:     0,
		ReadDeadline:  10 * time.Second,
		WriteDeadline: 10 * time.Second,
	})

	if err := handshake(nc, cfg, keepAlive); err != nil {
		nc.Close()
		return nil, err
	}
	// Handshake done: the read deadline reverts to the bridge's own
	// keep-alive cadence once Broker's readLoop takes over (it calls
	// SetReadDeadline per packet the same as any other connection).
	nc.SetReadDeadline(0)
	return nc, nil
}

func handshake(nc *network.Connection, cfg Config, keepAlive uint16) error {
	connect := &encoding.ConnectPacket{
		ProtocolVersion: encoding.ProtocolVersion31,
		CleanSession:    cfg.CleanSession,
		KeepAlive:       keepAlive,
		ClientID:        cfg.ClientID,
		UsernameFlag:    cfg.Username != "",
		Username:        cfg.Username,
		PasswordFlag:    cfg.Password != "",
		Password:        []byte(cfg.Password),
	}
	if err := writePacket(nc, connect); err != nil {
		return errors.Wrapf(err, "bridge %s: send CONNECT", cfg.Name)
	}

	header, err := packet.ParseFixedHeader(nc)
	if err != nil {
		return errors.Wrapf(err, "bridge %s: read CONNACK header", cfg.Name)
	}
	if header.Type != packet.CONNACK {
		return errors.Newf("bridge %s: expected CONNACK, got %s", cfg.Name, header.Type)
	}
	ack, err := encoding.DecodeConnack(nc, header)
	if err != nil {
		return errors.Wrapf(err, "bridge %s: decode CONNACK", cfg.Name)
	}
	if ack.ReturnCode != encoding.ConnectAccepted {
		return errors.Wrapf(ErrConnectRefused, "bridge %s: return code %d", cfg.Name, ack.ReturnCode)
	}

	var inbound []Topic
	for _, t := range cfg.Topics {
		if t.WantsIn() {
			inbound = append(inbound, t)
		}
	}
	if len(inbound) == 0 {
		return nil
	}

	subs := make([]encoding.Subscription, len(inbound))
	for i, t := range inbound {
		subs[i] = encoding.Subscription{TopicFilter: t.RemoteTopic(), QoS: t.QoS}
	}
	if err := writePacket(nc, &encoding.SubscribePacket{PacketID: 1, Subscriptions: subs}); err != nil {
		return errors.Wrapf(err, "bridge %s: send SUBSCRIBE", cfg.Name)
	}

	header, err = packet.ParseFixedHeader(nc)
	if err != nil {
		return errors.Wrapf(err, "bridge %s: read SUBACK header", cfg.Name)
	}
	if header.Type != packet.SUBACK {
		return errors.Newf("bridge %s: expected SUBACK, got %s", cfg.Name, header.Type)
	}
	if _, err := encoding.DecodeSuback(nc, header); err != nil {
		return errors.Wrapf(err, "bridge %s: decode SUBACK", cfg.Name)
	}
	return nil
}

func writePacket(nc *network.Connection, p wireEncoder) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := nc.Write(buf.Bytes())
	return err
}

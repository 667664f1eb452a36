package encoding

import (
	"io"

	"github.com/kestrelmq/broker/codec/packet"
)

// PacketType aliases codec/packet.Type so packages that predate the split
// between the wire codec and the packet-structs layer (the hook package's
// event signatures) can name a control packet type without importing
// codec/packet directly.
type PacketType = packet.Type

// Control packet type values re-exported for the same callers as PacketType.
const (
	CONNECT = packet.CONNECT
	PUBLISH = packet.PUBLISH
	PUBACK  = packet.PUBACK
	PUBREC  = packet.PUBREC
	PUBREL  = packet.PUBREL
	PUBCOMP = packet.PUBCOMP
)

// ProtocolVersion is the one-byte protocol level carried in CONNECT.
type ProtocolVersion byte

// ProtocolVersion31 is the only protocol level this broker speaks: MQTT
// 3.1, protocol name "MQIsdp", protocol level 3.
const ProtocolVersion31 ProtocolVersion = 3

// ProtocolName is the fixed protocol name string MQTT 3.1 CONNECT packets
// carry (MQTT 3.1.1 and later use "MQTT" instead; this broker is 3.1 only).
const ProtocolName = "MQIsdp"

// CONNACK return codes, MQTT 3.1 section 3.2.2.3.
const (
	ConnectAccepted                    byte = 0x00
	ConnectRefusedUnacceptableProtocol byte = 0x01
	ConnectRefusedIdentifierRejected   byte = 0x02
	ConnectRefusedServerUnavailable    byte = 0x03
	ConnectRefusedBadUsernamePassword  byte = 0x04
	ConnectRefusedNotAuthorized        byte = 0x05
)

// SUBACK granted-QoS / failure bytes.
const (
	SubackGrantedQoS0 byte = 0x00
	SubackGrantedQoS1 byte = 0x01
	SubackGrantedQoS2 byte = 0x02
	SubackFailure     byte = 0x80
)

func encodeFixedHeader(w io.Writer, tp packet.Type, flags byte, remainingLength uint32) error {
	if err := writeByte(w, byte(tp)<<4|flags); err != nil {
		return err
	}
	rl, err := packet.EncodeVariableByteInteger(remainingLength)
	if err != nil {
		return err
	}
	_, err = w.Write(rl)
	return err
}

func publishFlags(dup bool, qos packet.QoS, retain bool) byte {
	var flags byte
	if dup {
		flags |= 0x08
	}
	flags |= byte(qos) << 1
	if retain {
		flags |= 0x01
	}
	return flags
}

// ConnectPacket is the MQTT 3.1 CONNECT control packet.
type ConnectPacket struct {
	ProtocolVersion ProtocolVersion
	CleanSession    bool
	WillFlag        bool
	WillQoS         packet.QoS
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	KeepAlive       uint16
	ClientID        string
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

func (p *ConnectPacket) Encode(w io.Writer) error {
	varHeaderLen := 2 + len(ProtocolName) + 1 + 1 + 2
	payloadLen := 2 + len(p.ClientID)
	if p.WillFlag {
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		payloadLen += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		payloadLen += 2 + len(p.Password)
	}

	if err := encodeFixedHeader(w, packet.CONNECT, 0, uint32(varHeaderLen+payloadLen)); err != nil {
		return err
	}

	if err := writeUTF8String(w, ProtocolName); err != nil {
		return err
	}
	if err := writeByte(w, byte(p.ProtocolVersion)); err != nil {
		return err
	}

	var flags byte
	if p.CleanSession {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04
		flags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}
	if p.WillFlag {
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}
	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}
	return nil
}

// DecodeConnect reads a CONNECT packet's variable header and payload.
// header.RemainingLength bounds how much of r belongs to this packet.
func DecodeConnect(r io.Reader, header *packet.FixedHeader) (*ConnectPacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))

	name, err := readUTF8String(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "protocol name")
	}
	if name != ProtocolName {
		return nil, NewConnectRefusedError(ErrInvalidProtocolName, ConnectRefusedUnacceptableProtocol, "protocol name")
	}

	version, err := readByte(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "protocol version")
	}
	if ProtocolVersion(version) != ProtocolVersion31 {
		return nil, NewConnectRefusedError(ErrInvalidProtocolVersion, ConnectRefusedUnacceptableProtocol, "protocol version")
	}

	flags, err := readByte(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "connect flags")
	}
	if err := ValidateConnectFlags(flags); err != nil {
		return nil, NewMalformedPacketError(err, "connect flags")
	}

	keepAlive, err := readTwoByteInt(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "keep alive")
	}

	clientID, err := readUTF8String(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "client id")
	}

	p := &ConnectPacket{
		ProtocolVersion: ProtocolVersion(version),
		CleanSession:    flags&0x02 != 0,
		WillFlag:        flags&0x04 != 0,
		WillQoS:         packet.QoS((flags & 0x18) >> 3),
		WillRetain:      flags&0x20 != 0,
		PasswordFlag:    flags&0x40 != 0,
		UsernameFlag:    flags&0x80 != 0,
		KeepAlive:       keepAlive,
		ClientID:        clientID,
	}

	if p.WillFlag {
		if p.WillTopic, err = readUTF8String(lr); err != nil {
			return nil, NewMalformedPacketError(err, "will topic")
		}
		if p.WillPayload, err = readBinaryData(lr, 0); err != nil {
			return nil, NewMalformedPacketError(err, "will payload")
		}
	}
	if p.UsernameFlag {
		if p.Username, err = readUTF8String(lr); err != nil {
			return nil, NewMalformedPacketError(err, "username")
		}
	}
	if p.PasswordFlag {
		if p.Password, err = readBinaryData(lr, 0); err != nil {
			return nil, NewMalformedPacketError(err, "password")
		}
	}

	return p, nil
}

// ConnackPacket is the MQTT 3.1 CONNACK control packet.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

func (p *ConnackPacket) Encode(w io.Writer) error {
	if err := encodeFixedHeader(w, packet.CONNACK, 0, 2); err != nil {
		return err
	}
	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}
	return writeByte(w, p.ReturnCode)
}

func DecodeConnack(r io.Reader, header *packet.FixedHeader) (*ConnackPacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))
	ackFlags, err := readByte(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "connack flags")
	}
	returnCode, err := readByte(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "connack return code")
	}
	return &ConnackPacket{SessionPresent: ackFlags&0x01 != 0, ReturnCode: returnCode}, nil
}

// PublishPacket is the MQTT 3.1 PUBLISH control packet.
type PublishPacket struct {
	DUP       bool
	QoS       packet.QoS
	Retain    bool
	TopicName string
	PacketID  uint16
	Payload   []byte
}

func (p *PublishPacket) Encode(w io.Writer) error {
	remainingLength := uint32(2 + len(p.TopicName) + len(p.Payload))
	if p.QoS > packet.QoS0 {
		remainingLength += 2
	}

	if err := encodeFixedHeader(w, packet.PUBLISH, publishFlags(p.DUP, p.QoS, p.Retain), remainingLength); err != nil {
		return err
	}
	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}
	if p.QoS > packet.QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}
	if len(p.Payload) > 0 {
		_, err := w.Write(p.Payload)
		return err
	}
	return nil
}

func DecodePublish(r io.Reader, header *packet.FixedHeader) (*PublishPacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))

	topic, err := readUTF8String(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "topic name")
	}
	if err := ValidateTopicName(topic); err != nil {
		return nil, NewMalformedPacketError(err, "topic name")
	}

	p := &PublishPacket{DUP: header.DUP, QoS: header.QoS, Retain: header.Retain, TopicName: topic}

	if header.QoS > packet.QoS0 {
		packetID, err := readTwoByteInt(lr)
		if err != nil {
			return nil, NewMalformedPacketError(err, "packet id")
		}
		if packetID == 0 {
			return nil, NewProtocolError(ErrInvalidPacketIDZero, "packet id")
		}
		p.PacketID = packetID
	}

	payload, err := io.ReadAll(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "payload")
	}
	p.Payload = payload

	return p, nil
}

// ackPacket is the shared shape of PUBACK/PUBREC/PUBREL/PUBCOMP/UNSUBACK:
// a packet id and nothing else.
type ackPacket struct {
	tp       packet.Type
	flags    byte
	PacketID uint16
}

func (p *ackPacket) Encode(w io.Writer) error {
	if err := encodeFixedHeader(w, p.tp, p.flags, 2); err != nil {
		return err
	}
	return writeTwoByteInt(w, p.PacketID)
}

func decodeAck(r io.Reader, header *packet.FixedHeader) (uint16, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))
	packetID, err := readTwoByteInt(lr)
	if err != nil {
		return 0, NewMalformedPacketError(err, header.Type.String()+" packet id")
	}
	return packetID, nil
}

type PubackPacket struct{ PacketID uint16 }

func (p *PubackPacket) Encode(w io.Writer) error {
	return (&ackPacket{tp: packet.PUBACK, PacketID: p.PacketID}).Encode(w)
}

func DecodePuback(r io.Reader, header *packet.FixedHeader) (*PubackPacket, error) {
	id, err := decodeAck(r, header)
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id}, nil
}

type PubrecPacket struct{ PacketID uint16 }

func (p *PubrecPacket) Encode(w io.Writer) error {
	return (&ackPacket{tp: packet.PUBREC, PacketID: p.PacketID}).Encode(w)
}

func DecodePubrec(r io.Reader, header *packet.FixedHeader) (*PubrecPacket, error) {
	id, err := decodeAck(r, header)
	if err != nil {
		return nil, err
	}
	return &PubrecPacket{PacketID: id}, nil
}

type PubrelPacket struct{ PacketID uint16 }

func (p *PubrelPacket) Encode(w io.Writer) error {
	return (&ackPacket{tp: packet.PUBREL, flags: 0x02, PacketID: p.PacketID}).Encode(w)
}

func DecodePubrel(r io.Reader, header *packet.FixedHeader) (*PubrelPacket, error) {
	id, err := decodeAck(r, header)
	if err != nil {
		return nil, err
	}
	return &PubrelPacket{PacketID: id}, nil
}

type PubcompPacket struct{ PacketID uint16 }

func (p *PubcompPacket) Encode(w io.Writer) error {
	return (&ackPacket{tp: packet.PUBCOMP, PacketID: p.PacketID}).Encode(w)
}

func DecodePubcomp(r io.Reader, header *packet.FixedHeader) (*PubcompPacket, error) {
	id, err := decodeAck(r, header)
	if err != nil {
		return nil, err
	}
	return &PubcompPacket{PacketID: id}, nil
}

// Subscription is one (topic filter, requested QoS) pair in a SUBSCRIBE
// packet.
type Subscription struct {
	TopicFilter string
	QoS         packet.QoS
}

// SubscribePacket is the MQTT 3.1 SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *SubscribePacket) Encode(w io.Writer) error {
	remainingLength := uint32(2)
	for _, sub := range p.Subscriptions {
		remainingLength += uint32(2 + len(sub.TopicFilter) + 1)
	}

	if err := encodeFixedHeader(w, packet.SUBSCRIBE, 0x02, remainingLength); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}
		if err := writeByte(w, byte(sub.QoS)); err != nil {
			return err
		}
	}
	return nil
}

func DecodeSubscribe(r io.Reader, header *packet.FixedHeader) (*SubscribePacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))

	packetID, err := readTwoByteInt(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	if packetID == 0 {
		return nil, NewProtocolError(ErrInvalidPacketIDZero, "packet id")
	}

	p := &SubscribePacket{PacketID: packetID}
	for {
		filter, err := readUTF8String(lr)
		if err != nil {
			if err == ErrUnexpectedEOF && len(p.Subscriptions) > 0 {
				break
			}
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		qosByte, err := readByte(lr)
		if err != nil {
			return nil, NewMalformedPacketError(err, "requested qos")
		}
		qos := packet.QoS(qosByte)
		if !qos.IsValid() {
			return nil, NewMalformedPacketError(ErrInvalidQoS, "requested qos")
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{TopicFilter: filter, QoS: qos})

		if exhausted(lr) {
			break
		}
	}

	if len(p.Subscriptions) == 0 {
		return nil, NewProtocolError(ErrEmptySubscriptionList, "subscribe")
	}
	return p, nil
}

// exhausted reports whether an io.LimitReader bounding a packet's
// RemainingLength has no bytes left. DecodeSubscribe/DecodeUnsubscribe use
// it to know when they've consumed the last topic filter in the list.
func exhausted(r io.Reader) bool {
	lr, ok := r.(*io.LimitedReader)
	return ok && lr.N <= 0
}

// SubackPacket is the MQTT 3.1 SUBACK control packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubackPacket) Encode(w io.Writer) error {
	if err := encodeFixedHeader(w, packet.SUBACK, 0, uint32(2+len(p.ReturnCodes))); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	_, err := w.Write(p.ReturnCodes)
	return err
}

func DecodeSuback(r io.Reader, header *packet.FixedHeader) (*SubackPacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))
	packetID, err := readTwoByteInt(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	codes, err := io.ReadAll(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "return codes")
	}
	return &SubackPacket{PacketID: packetID, ReturnCodes: codes}, nil
}

// UnsubscribePacket is the MQTT 3.1 UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

func (p *UnsubscribePacket) Encode(w io.Writer) error {
	remainingLength := uint32(2)
	for _, topic := range p.TopicFilters {
		remainingLength += uint32(2 + len(topic))
	}

	if err := encodeFixedHeader(w, packet.UNSUBSCRIBE, 0x02, remainingLength); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, topic := range p.TopicFilters {
		if err := writeUTF8String(w, topic); err != nil {
			return err
		}
	}
	return nil
}

func DecodeUnsubscribe(r io.Reader, header *packet.FixedHeader) (*UnsubscribePacket, error) {
	lr := io.LimitReader(r, int64(header.RemainingLength))

	packetID, err := readTwoByteInt(lr)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	if packetID == 0 {
		return nil, NewProtocolError(ErrInvalidPacketIDZero, "packet id")
	}

	p := &UnsubscribePacket{PacketID: packetID}
	for {
		filter, err := readUTF8String(lr)
		if err != nil {
			if err == ErrUnexpectedEOF && len(p.TopicFilters) > 0 {
				break
			}
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		p.TopicFilters = append(p.TopicFilters, filter)

		if exhausted(lr) {
			break
		}
	}

	if len(p.TopicFilters) == 0 {
		return nil, NewProtocolError(ErrEmptyUnsubscribeList, "unsubscribe")
	}
	return p, nil
}

// UnsubackPacket is the MQTT 3.1 UNSUBACK control packet.
type UnsubackPacket struct{ PacketID uint16 }

func (p *UnsubackPacket) Encode(w io.Writer) error {
	return (&ackPacket{tp: packet.UNSUBACK, PacketID: p.PacketID}).Encode(w)
}

func DecodeUnsuback(r io.Reader, header *packet.FixedHeader) (*UnsubackPacket, error) {
	id, err := decodeAck(r, header)
	if err != nil {
		return nil, err
	}
	return &UnsubackPacket{PacketID: id}, nil
}

// PingreqPacket is the MQTT 3.1 PINGREQ control packet: fixed header only.
type PingreqPacket struct{}

func (p *PingreqPacket) Encode(w io.Writer) error {
	return encodeFixedHeader(w, packet.PINGREQ, 0, 0)
}

// PingrespPacket is the MQTT 3.1 PINGRESP control packet: fixed header only.
type PingrespPacket struct{}

func (p *PingrespPacket) Encode(w io.Writer) error {
	return encodeFixedHeader(w, packet.PINGRESP, 0, 0)
}

// DisconnectPacket is the MQTT 3.1 DISCONNECT control packet: fixed header
// only, no reason code (that's a 5.0-only field).
type DisconnectPacket struct{}

func (p *DisconnectPacket) Encode(w io.Writer) error {
	return encodeFixedHeader(w, packet.DISCONNECT, 0, 0)
}

package qos

import "github.com/kestrelmq/broker/codec/packet"

// State is one ClientMsg's position in the QoS 1 / QoS 2 handshake.
type State int

const (
	StateInvalid State = iota
	StatePublish
	StatePublishPuback
	StateWaitPuback
	StatePublishPubrec
	StateWaitPubrec
	StateResendPubrel
	StateWaitPubrel
	StateResendPubcomp
	StateWaitPubcomp
	StateResendPubrec
	StateQueued
)

var stateNames = [...]string{
	"invalid",
	"publish",
	"publish_puback",
	"wait_puback",
	"publish_pubrec",
	"wait_pubrec",
	"resend_pubrel",
	"wait_pubrel",
	"resend_pubcomp",
	"wait_pubcomp",
	"resend_pubrec",
	"queued",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// Direction records which side of the handshake a ClientMsg belongs to.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// initialState is the admission-table lookup: outgoing entries start in the
// send-first state for their QoS, incoming entries only ever reach the
// engine for QoS 2 (QoS 0/1 incoming publishes are fanned out and, for QoS
// 1, PUBACK'd on the spot without ever being tracked here).
func initialState(direction Direction, qos packet.QoS) State {
	if direction == Incoming {
		return StateWaitPubrec
	}
	switch qos {
	case packet.QoS0:
		return StatePublish
	case packet.QoS1:
		return StatePublishPuback
	default:
		return StatePublishPubrec
	}
}

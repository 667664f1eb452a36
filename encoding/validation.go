package encoding

import (
	"strings"

	"github.com/kestrelmq/broker/codec/packet"
)

// ValidateTopicName validates an MQTT topic name (used in PUBLISH). Topic
// names must not contain wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidPublishTopicName
	}
	if !isValidMQTTString(topic) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter validates an MQTT topic filter (used in
// SUBSCRIBE/UNSUBSCRIBE): '#' must be the last and only character in its
// level, '+' must be alone in its level.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopicFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") {
			if level != "+" {
				return ErrInvalidTopicFilter
			}
		}
		if !isValidMQTTString(level) {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

func isValidMQTTString(s string) bool {
	for _, r := range s {
		if r == 0x0000 {
			return false
		}
		if r >= 0xD800 && r <= 0xDFFF {
			return false
		}
	}
	return true
}

// ValidateConnectFlags validates the CONNECT packet's connect-flags byte.
func ValidateConnectFlags(flags byte) error {
	if (flags & 0x01) != 0 {
		return ErrInvalidConnectFlags
	}

	willFlag := (flags & 0x04) != 0
	willQoS := packet.QoS((flags & 0x18) >> 3)
	willRetain := (flags & 0x20) != 0
	passwordFlag := (flags & 0x40) != 0
	usernameFlag := (flags & 0x80) != 0

	if !willQoS.IsValid() {
		return ErrInvalidWillQoS
	}
	if !willFlag && (willQoS != packet.QoS0 || willRetain) {
		return ErrWillFlagMismatch
	}
	if passwordFlag && !usernameFlag {
		return ErrPasswordWithoutUsername
	}
	return nil
}

// ValidateRemainingLength checks a remaining length against the protocol
// maximum (268,435,455 bytes).
func ValidateRemainingLength(length uint32) error {
	const maxRemainingLength uint32 = 268435455
	if length > maxRemainingLength {
		return ErrInvalidRemainingLength
	}
	return nil
}

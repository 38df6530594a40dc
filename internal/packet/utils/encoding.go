package utils

import (
	"encoding/binary"
	"strings"

	"github.com/dynabot/dynamq/pkg/er"
)

// EncodeRemainingLength encodes the remaining length field according to the
// MQTT specification. Supports up to 4 bytes (max value: 268,435,455).
func EncodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}

	var encoded []byte

	for {
		encodedByte := byte(length % 128)
		length = length / 128

		if length > 0 {
			encodedByte |= 128 // Set continuation bit
		}

		encoded = append(encoded, encodedByte)

		if length == 0 {
			break
		}

		if len(encoded) >= 4 {
			break
		}
	}

	return encoded
}

// ParseRemainingLength decodes the remaining length field from raw bytes.
// Returns the decoded length, the number of bytes consumed, and any error.
func ParseRemainingLength(data []byte) (int, int, error) {
	var length int
	multiplier := 1
	var offset int

	for {
		if offset >= len(data) {
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrShortBuffer,
			}
		}
		if offset >= 4 {
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrRemainingLengthExceeded,
			}
		}

		encodedByte := data[offset]
		length += int(encodedByte&0x7F) * multiplier

		if length > 268435455 { // MQTT max remaining length
			return 0, 0, &er.Err{
				Context: "ParseRemainingLength",
				Message: er.ErrRemainingLengthExceeded,
			}
		}

		multiplier *= 128
		offset++

		if (encodedByte & 0x80) == 0 {
			break
		}
	}

	return length, offset, nil
}

// EncodeString encodes a UTF-8 string with its 2-byte length prefix.
func EncodeString(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

// DecodeString reads a length-prefixed string and returns the string and
// the total number of bytes consumed.
func DecodeString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, &er.Err{
			Context: "DecodeString",
			Message: er.ErrShortBuffer,
		}
	}

	length := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+length {
		return "", 0, &er.Err{
			Context: "DecodeString",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	return string(b[2 : 2+length]), 2 + length, nil
}

// DecodeBytes reads a length-prefixed byte field and returns the bytes and
// the total number of bytes consumed.
func DecodeBytes(b []byte) ([]byte, int, error) {
	if len(b) < 2 {
		return nil, 0, &er.Err{
			Context: "DecodeBytes",
			Message: er.ErrShortBuffer,
		}
	}

	length := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+length {
		return nil, 0, &er.Err{
			Context: "DecodeBytes",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	out := make([]byte, length)
	copy(out, b[2:2+length])
	return out, 2 + length, nil
}

// EncodePacketID encodes a 16-bit packet ID to bytes
func EncodePacketID(packetID uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, packetID)
	return result
}

// ParsePacketID parses a 16-bit packet ID from bytes
func ParsePacketID(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &er.Err{
			Context: "ParsePacketID",
			Message: er.ErrShortBuffer,
		}
	}

	packetID := binary.BigEndian.Uint16(data[0:2])
	if packetID == 0 {
		return 0, &er.Err{
			Context: "ParsePacketID",
			Message: er.ErrInvalidPacketID,
		}
	}

	return packetID, nil
}

// ValidateTopicName validates a topic name for publishing (no wildcards allowed)
func ValidateTopicName(topic string) error {
	if topic == "" {
		return &er.Err{
			Context: "ValidateTopicName",
			Message: er.ErrEmptyTopic,
		}
	}

	for _, char := range topic {
		if char == '+' || char == '#' {
			return &er.Err{
				Context: "ValidateTopicName",
				Message: er.ErrWildcardInTopicName,
			}
		}
	}

	return nil
}

// ValidateTopicFilter validates a topic filter according to MQTT 3.1.1 rules
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return &er.Err{
			Context: "ValidateTopicFilter",
			Message: er.ErrEmptyTopic,
		}
	}

	levels := strings.Split(filter, "/")

	for i, level := range levels {
		if strings.ContainsRune(level, '+') && level != "+" {
			return &er.Err{
				Context: "ValidateTopicFilter",
				Message: er.ErrInvalidSingleLevelWildcard,
			}
		}

		if strings.ContainsRune(level, '#') {
			if level != "#" {
				return &er.Err{
					Context: "ValidateTopicFilter",
					Message: er.ErrInvalidMultiLevelWildcard,
				}
			}
			if i != len(levels)-1 {
				return &er.Err{
					Context: "ValidateTopicFilter",
					Message: er.ErrMultiLevelWildcardNotLast,
				}
			}
		}
	}

	return nil
}

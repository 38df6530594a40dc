package packet

import (
	"encoding/binary"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

// AckPacket is the shared shape of PUBACK, PUBREC, PUBREL and PUBCOMP:
// a fixed header plus a 2-byte packet identifier.
type AckPacket struct {
	Type     PacketType
	PacketID uint16
}

func (ap *AckPacket) Parse(raw []byte) error {
	if len(raw) < 4 {
		return &er.Err{
			Context: "Ack",
			Message: er.ErrShortBuffer,
		}
	}

	ap.Type = PacketType(raw[0] & 0xF0)
	switch ap.Type {
	case PUBACK, PUBREC, PUBCOMP:
		// Flags must be 0000
		if raw[0]&0x0F != 0x00 {
			return &er.Err{
				Context: "Ack, Fixed Header",
				Message: er.ErrInvalidAckPacket,
			}
		}
	case PUBREL:
		// MQTT 3.1.1: PUBREL flags must be 0010
		if raw[0]&0x0F != 0x02 {
			return &er.Err{
				Context: "Ack, Fixed Header",
				Message: er.ErrInvalidAckPacket,
			}
		}
	default:
		return &er.Err{
			Context: "Ack",
			Message: er.ErrInvalidPacketType,
		}
	}

	if raw[1] != 0x02 || len(raw) != 4 {
		return &er.Err{
			Context: "Ack, Remaining Length",
			Message: er.ErrInvalidAckPacket,
		}
	}

	id, err := utils.ParsePacketID(raw[2:])
	if err != nil {
		return err
	}
	ap.PacketID = id
	return nil
}

// Encode converts the acknowledgement packet to bytes
func (ap *AckPacket) Encode() []byte {
	fixed := byte(ap.Type)
	if ap.Type == PUBREL {
		fixed |= 0x02 // PUBREL carries reserved flags 0010
	}

	out := make([]byte, 4)
	out[0] = fixed
	out[1] = 0x02
	binary.BigEndian.PutUint16(out[2:], ap.PacketID)
	return out
}

// Publish Acknowledge (QoS 1 terminal ack)
func NewPubAck(packetID uint16) []byte {
	return (&AckPacket{Type: PUBACK, PacketID: packetID}).Encode()
}

// Publish received (QoS 2 publish received, part 1)
func NewPubRec(packetID uint16) []byte {
	return (&AckPacket{Type: PUBREC, PacketID: packetID}).Encode()
}

// Publish release (QoS 2 publish received, part 2)
func NewPubRel(packetID uint16) []byte {
	return (&AckPacket{Type: PUBREL, PacketID: packetID}).Encode()
}

// Publish complete (QoS 2 publish received, part 3)
func NewPubComp(packetID uint16) []byte {
	return (&AckPacket{Type: PUBCOMP, PacketID: packetID}).Encode()
}

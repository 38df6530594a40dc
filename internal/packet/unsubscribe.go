package packet

import (
	"encoding/binary"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

type UnsubscribePacket struct {
	PacketID uint16
	Filters  []string

	Raw []byte
}

func (up *UnsubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	// MQTT 3.1.1: UNSUBSCRIBE fixed header flags must be 0010
	if PacketType(raw[0]&0xF0) != UNSUBSCRIBE || raw[0]&0x0F != 0x02 {
		return &er.Err{
			Context: "Unsubscribe, Fixed Header",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	up.Raw = raw

	remaining, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenSize
	if len(raw) != offset+remaining {
		return &er.Err{
			Context: "Unsubscribe",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	if offset+2 > len(raw) {
		return &er.Err{
			Context: "Unsubscribe, PacketID",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}
	id, err := utils.ParsePacketID(raw[offset:])
	if err != nil {
		return err
	}
	up.PacketID = id
	offset += 2

	for offset < len(raw) {
		filter, n, err := utils.DecodeString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Unsubscribe, Filter",
				Message: er.ErrInvalidUnsubscribePacket,
			}
		}
		up.Filters = append(up.Filters, filter)
		offset += n
	}

	if len(up.Filters) == 0 {
		return &er.Err{
			Context: "Unsubscribe, Payload",
			Message: er.ErrInvalidUnsubscribePacket,
		}
	}

	return nil
}

// Encode converts the UNSUBSCRIBE packet to bytes (used by tests and tooling)
func (up *UnsubscribePacket) Encode() []byte {
	remaining := 2
	for _, f := range up.Filters {
		remaining += 2 + len(f)
	}

	out := make([]byte, 0, 1+4+remaining)
	out = append(out, byte(UNSUBSCRIBE)|0x02)
	out = append(out, utils.EncodeRemainingLength(remaining)...)

	idBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(idBytes, up.PacketID)
	out = append(out, idBytes...)

	for _, f := range up.Filters {
		out = append(out, utils.EncodeString(f)...)
	}
	return out
}

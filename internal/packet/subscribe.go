package packet

import (
	"encoding/binary"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

// TopicFilter is one (filter, requested QoS) pair from a SUBSCRIBE payload.
type TopicFilter struct {
	Filter string
	QoS    QoSLevel
}

type SubscribePacket struct {
	PacketID uint16
	Filters  []TopicFilter

	Raw []byte
}

func (sp *SubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	// MQTT 3.1.1: SUBSCRIBE fixed header flags must be 0010
	if PacketType(raw[0]&0xF0) != SUBSCRIBE || raw[0]&0x0F != 0x02 {
		return &er.Err{
			Context: "Subscribe, Fixed Header",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	sp.Raw = raw

	remaining, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenSize
	if len(raw) != offset+remaining {
		return &er.Err{
			Context: "Subscribe",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	if offset+2 > len(raw) {
		return &er.Err{
			Context: "Subscribe, PacketID",
			Message: er.ErrInvalidSubscribePacket,
		}
	}
	id, err := utils.ParsePacketID(raw[offset:])
	if err != nil {
		return err
	}
	sp.PacketID = id
	offset += 2

	// Payload: one or more (filter, QoS) pairs
	for offset < len(raw) {
		filter, n, err := utils.DecodeString(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Subscribe, Filter",
				Message: er.ErrInvalidSubscribePacket,
			}
		}
		offset += n

		if offset >= len(raw) {
			return &er.Err{
				Context: "Subscribe, QoS",
				Message: er.ErrInvalidSubscribePacket,
			}
		}
		qos := raw[offset]
		offset++

		if qos > 2 {
			return &er.Err{
				Context: "Subscribe, QoS",
				Message: er.ErrInvalidSubscribePacket,
			}
		}

		sp.Filters = append(sp.Filters, TopicFilter{
			Filter: filter,
			QoS:    QoSLevel(qos),
		})
	}

	// A SUBSCRIBE with no payload is a protocol violation
	if len(sp.Filters) == 0 {
		return &er.Err{
			Context: "Subscribe, Payload",
			Message: er.ErrInvalidSubscribePacket,
		}
	}

	return nil
}

// Encode converts the SUBSCRIBE packet to bytes (used by tests and tooling)
func (sp *SubscribePacket) Encode() []byte {
	remaining := 2
	for _, f := range sp.Filters {
		remaining += 2 + len(f.Filter) + 1
	}

	out := make([]byte, 0, 1+4+remaining)
	out = append(out, byte(SUBSCRIBE)|0x02)
	out = append(out, utils.EncodeRemainingLength(remaining)...)

	idBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(idBytes, sp.PacketID)
	out = append(out, idBytes...)

	for _, f := range sp.Filters {
		out = append(out, utils.EncodeString(f.Filter)...)
		out = append(out, byte(f.QoS))
	}
	return out
}

package packet

import (
	"encoding/binary"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

type QoSLevel uint8

const (
	QoSAtMostOnce  QoSLevel = 0 // QoS 0
	QoSAtLeastOnce QoSLevel = 1 // QoS 1
	QoSExactlyOnce QoSLevel = 2 // QoS 2
)

type PublishPacket struct {
	// Fixed Header
	DUP    bool
	QoS    QoSLevel
	Retain bool

	// Variable Header
	Topic    string
	PacketID *uint16 // nil for QoS 0, pointer to ID for QoS 1/2

	// Payload
	Payload []byte

	// Raw
	Raw []byte
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	if PacketType(raw[0]&0xF0) != PUBLISH {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	pp.Raw = raw
	pp.DUP = (raw[0] & 0x08) != 0
	pp.QoS = QoSLevel((raw[0] & 0x06) >> 1)
	pp.Retain = (raw[0] & 0x01) != 0

	if pp.QoS > QoSExactlyOnce {
		return &er.Err{
			Context: "Publish, QoS",
			Message: er.ErrInvalidPublishPacket,
		}
	}

	remaining, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenSize
	if len(raw) != offset+remaining {
		return &er.Err{
			Context: "Publish",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	topic, n, err := utils.DecodeString(raw[offset:])
	if err != nil {
		return &er.Err{
			Context: "Publish, Topic",
			Message: er.ErrInvalidPublishPacket,
		}
	}
	pp.Topic = topic
	offset += n

	if err := utils.ValidateTopicName(pp.Topic); err != nil {
		return err
	}

	// Packet ID is present for QoS 1 and 2 only
	if pp.QoS > QoSAtMostOnce {
		if offset+2 > len(raw) {
			return &er.Err{
				Context: "Publish, PacketID",
				Message: er.ErrInvalidPublishPacket,
			}
		}
		id, err := utils.ParsePacketID(raw[offset:])
		if err != nil {
			return err
		}
		pp.PacketID = &id
		offset += 2
	}

	pp.Payload = make([]byte, len(raw)-offset)
	copy(pp.Payload, raw[offset:])
	return nil
}

// Encode converts the PUBLISH packet to bytes
func (pp *PublishPacket) Encode() []byte {
	fixed := byte(PUBLISH)
	if pp.DUP {
		fixed |= 0x08
	}
	fixed |= byte(pp.QoS) << 1
	if pp.Retain {
		fixed |= 0x01
	}

	remaining := 2 + len(pp.Topic) + len(pp.Payload)
	if pp.QoS > QoSAtMostOnce {
		remaining += 2
	}

	out := make([]byte, 0, 1+4+remaining)
	out = append(out, fixed)
	out = append(out, utils.EncodeRemainingLength(remaining)...)
	out = append(out, utils.EncodeString(pp.Topic)...)

	if pp.QoS > QoSAtMostOnce {
		idBytes := make([]byte, 2)
		var id uint16
		if pp.PacketID != nil {
			id = *pp.PacketID
		}
		binary.BigEndian.PutUint16(idBytes, id)
		out = append(out, idBytes...)
	}

	out = append(out, pp.Payload...)
	return out
}

package packet

import (
	"encoding/binary"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

// SUBACK return codes
const (
	SubackMaxQoS0 byte = 0x00 // Maximum QoS 0
	SubackMaxQoS1 byte = 0x01 // Maximum QoS 1
	SubackMaxQoS2 byte = 0x02 // Maximum QoS 2
	SubackFailure byte = 0x80 // Failure
)

type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Encode converts the SUBACK packet to bytes
func (p *SubackPacket) Encode() []byte {
	// Remaining length: 2 bytes (PacketID) + return codes length
	remainingLength := 2 + len(p.ReturnCodes)

	var out []byte
	out = append(out, byte(SUBACK))
	out = append(out, utils.EncodeRemainingLength(remainingLength)...)

	packetIDBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(packetIDBytes, p.PacketID)
	out = append(out, packetIDBytes...)

	out = append(out, p.ReturnCodes...)
	return out
}

// Parse parses a SUBACK packet from raw bytes
func (p *SubackPacket) Parse(raw []byte) error {
	if len(raw) < 4 {
		return &er.Err{Context: "SUBACK", Message: er.ErrShortBuffer}
	}

	if PacketType(raw[0]&0xF0) != SUBACK {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketType}
	}

	remainingLength, offset, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}

	expectedLength := 1 + offset + remainingLength
	if len(raw) != expectedLength {
		return &er.Err{Context: "SUBACK", Message: er.ErrInvalidPacketLength}
	}

	packetIDIndex := 1 + offset
	p.PacketID = binary.BigEndian.Uint16(raw[packetIDIndex : packetIDIndex+2])

	returnCodesIndex := packetIDIndex + 2
	p.ReturnCodes = make([]byte, remainingLength-2)
	copy(p.ReturnCodes, raw[returnCodesIndex:])

	return nil
}

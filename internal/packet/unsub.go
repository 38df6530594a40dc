package packet

import "encoding/binary"

type UnsubackPacket struct {
	PacketID uint16
}

// Encode converts the UNSUBACK packet to bytes
func (p *UnsubackPacket) Encode() []byte {
	out := make([]byte, 4)
	out[0] = byte(UNSUBACK)
	out[1] = 0x02
	binary.BigEndian.PutUint16(out[2:], p.PacketID)
	return out
}

// NewUnsubAck creates an encoded UNSUBACK for the given packet id.
func NewUnsubAck(packetID uint16) []byte {
	return (&UnsubackPacket{PacketID: packetID}).Encode()
}

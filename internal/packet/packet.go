package packet

// PacketType is the MQTT control packet type, stored in the high nibble of
// the fixed header's first byte.
type PacketType byte

const (
	CONNECT     PacketType = 0x10
	CONNACK     PacketType = 0x20
	PUBLISH     PacketType = 0x30
	PUBACK      PacketType = 0x40
	PUBREC      PacketType = 0x50
	PUBREL      PacketType = 0x60
	PUBCOMP     PacketType = 0x70
	SUBSCRIBE   PacketType = 0x80
	SUBACK      PacketType = 0x90
	UNSUBSCRIBE PacketType = 0xA0
	UNSUBACK    PacketType = 0xB0
	PINGREQ     PacketType = 0xC0
	PINGRESP    PacketType = 0xD0
	DISCONNECT  PacketType = 0xE0
)

// String returns the control packet name for logging.
func (t PacketType) String() string {
	switch t {
	case CONNECT:
		return "CONNECT"
	case CONNACK:
		return "CONNACK"
	case PUBLISH:
		return "PUBLISH"
	case PUBACK:
		return "PUBACK"
	case PUBREC:
		return "PUBREC"
	case PUBREL:
		return "PUBREL"
	case PUBCOMP:
		return "PUBCOMP"
	case SUBSCRIBE:
		return "SUBSCRIBE"
	case SUBACK:
		return "SUBACK"
	case UNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case UNSUBACK:
		return "UNSUBACK"
	case PINGREQ:
		return "PINGREQ"
	case PINGRESP:
		return "PINGRESP"
	case DISCONNECT:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// ParsedPacket is the result of parsing one raw control packet. Exactly one
// of the typed fields is set, according to Type.
type ParsedPacket struct {
	Type PacketType
	Raw  []byte

	Connect     *ConnectPacket
	Publish     *PublishPacket
	Ack         *AckPacket
	Subscribe   *SubscribePacket
	Unsubscribe *UnsubscribePacket
	Pingreq     *PingreqPacket
	Disconnect  *DisconnectPacket
}

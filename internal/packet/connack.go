package packet

// CONNACK return codes (MQTT 3.1.1, table 3.1)
const (
	ConnackAccepted             byte = 0x00
	ConnackUnacceptableProtocol byte = 0x01
	ConnackIdentifierRejected   byte = 0x02
	ConnackServerUnavailable    byte = 0x03
	ConnackBadUsernameOrPasswd  byte = 0x04
	ConnackNotAuthorized        byte = 0x05
)

type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

// Encode converts the CONNACK packet to bytes
func (p *ConnackPacket) Encode() []byte {
	var ackFlags byte
	// Session present is only meaningful for an accepted connection
	if p.SessionPresent && p.ReturnCode == ConnackAccepted {
		ackFlags = 0x01
	}

	return []byte{
		byte(CONNACK), // Packet type = CONNACK
		0x02,          // Remaining length = 2 bytes
		ackFlags,      // Connect acknowledge flags
		p.ReturnCode,  // Return code
	}
}

// NewConnAck creates an encoded CONNACK with the given fields.
func NewConnAck(sessionPresent bool, returnCode byte) []byte {
	p := &ConnackPacket{SessionPresent: sessionPresent, ReturnCode: returnCode}
	return p.Encode()
}

package packet

import "github.com/dynabot/dynamq/pkg/er"

type DisconnectPacket struct{}

func (dp *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) < 2 {
		return &er.Err{
			Context: "Disconnect",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	// First byte should be 0xE0 (type = 14 << 4, flags = 0)
	if raw[0] != byte(DISCONNECT) {
		return &er.Err{
			Context: "Disconnect, Control",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	// Remaining length must be 0
	if raw[1] != 0x00 {
		return &er.Err{
			Context: "Disconnect, Remaining Length",
			Message: er.ErrInvalidDisconnectPacket,
		}
	}

	return nil
}

// NewDisconnect creates an encoded DISCONNECT (used by tests and tooling).
func NewDisconnect() []byte {
	return []byte{byte(DISCONNECT), 0x00}
}

package packet

import (
	"bufio"
	"io"

	"github.com/dynabot/dynamq/pkg/er"
)

// ReadPacket reads exactly one MQTT control packet from r: the fixed header,
// the remaining-length field and the body. maxSize bounds the accepted
// remaining length; 0 means the protocol maximum.
func ReadPacket(r *bufio.Reader, maxSize int) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	// Remaining length: up to 4 bytes with continuation bits
	var lenBytes []byte
	var remaining int
	multiplier := 1
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		lenBytes = append(lenBytes, b)

		remaining += int(b&0x7F) * multiplier
		multiplier *= 128

		if b&0x80 == 0 {
			break
		}
		if len(lenBytes) >= 4 {
			return nil, &er.Err{
				Context: "ReadPacket",
				Message: er.ErrRemainingLengthExceeded,
			}
		}
	}

	if maxSize > 0 && remaining > maxSize {
		return nil, &er.Err{
			Context: "ReadPacket",
			Message: er.ErrInvalidPacketLength,
		}
	}

	raw := make([]byte, 0, 1+len(lenBytes)+remaining)
	raw = append(raw, first)
	raw = append(raw, lenBytes...)

	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(raw, body...), nil
}

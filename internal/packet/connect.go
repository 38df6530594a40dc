package packet

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

type ConnectPacket struct {
	// Variable Header
	ProtocolName  string
	ProtocolLevel byte
	UsernameFlag  bool
	PasswordFlag  bool
	WillRetain    bool
	WillQoS       byte
	WillFlag      bool
	CleanSession  bool
	KeepAlive     uint16

	// Payload
	ClientID    string
	WillTopic   *string // (if Will flag is set)
	WillMessage []byte  // (if Will flag is set)
	Username    *string // (if Username flag is set)
	Password    *string // (if Password flag is set)

	// AssignedID is true when the broker generated the client id because
	// the client sent an empty one.
	AssignedID bool

	// Raw
	Raw []byte
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}

	if PacketType(raw[0]&0xF0) != CONNECT {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}

	cp.Raw = raw

	remaining, lenSize, err := utils.ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	offset := 1 + lenSize
	if len(raw) != offset+remaining {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrRemainingLenMissmatch,
		}
	}

	// Protocol Name
	cp.ProtocolName, _, err = readString(raw, &offset, "Connect")
	if err != nil {
		return err
	}

	// Enforce "MQTT" as ProtocolName (strict, case-sensitive)
	if cp.ProtocolName != "MQTT" {
		return &er.Err{
			Context: "Connect, ProtocolName",
			Message: er.ErrUnsupportedProtocolName,
		}
	}

	// Parse Protocol Level (strict to 4 = MQTT 3.1.1)
	if offset >= len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.ProtocolLevel = raw[offset]
	offset++
	if cp.ProtocolLevel != 4 {
		return &er.Err{
			Context: "Connect, ProtocolLevel",
			Message: er.ErrUnsupportedProtocolLevel,
		}
	}

	// Parse Connect Flags
	if offset >= len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	connectFlags := raw[offset]
	offset++

	cp.UsernameFlag = (connectFlags & 0x80) != 0 // bit 7
	cp.PasswordFlag = (connectFlags & 0x40) != 0 // bit 6
	cp.WillRetain = (connectFlags & 0x20) != 0   // bit 5
	cp.WillQoS = (connectFlags & 0x18) >> 3      // bit 4-3
	cp.WillFlag = (connectFlags & 0x04) != 0     // bit 2
	cp.CleanSession = (connectFlags & 0x02) != 0 // bit 1

	// Validate WillQos if WillFlag is set
	if cp.WillFlag && cp.WillQoS > 2 {
		return &er.Err{
			Context: "Connect, WillQos",
			Message: er.ErrInvalidWillQos,
		}
	}

	// Parse Keep Alive
	if offset+2 > len(raw) {
		return &er.Err{
			Context: "Connect",
			Message: er.ErrInvalidConnPacket,
		}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	// Parse Client ID
	cp.ClientID, _, err = readString(raw, &offset, "Connect, ClientID")
	if err != nil {
		return err
	}

	if cErr := cp.ValidateClientID(); cErr != nil {
		if errors.Is(cErr, er.ErrEmptyClientID) {
			// If Client ID is not set from client
			// we assign a generated ID from the server
			cp.ClientID = GenerateClientID()
			cp.AssignedID = true
		} else if errors.Is(cErr, er.ErrEmptyAndPersistentClient) {
			// Client must set clean session to 1
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrIdentifierRejected,
			}
		} else {
			// Bubble it up
			return cErr
		}
	}

	// Parse WillTopic & WillMessage if WillFlag is set
	if cp.WillFlag {
		willTopic, _, err := readString(raw, &offset, "Connect, WillTopic")
		if err != nil {
			return err
		}
		cp.WillTopic = &willTopic

		if offset+2 > len(raw) {
			return &er.Err{
				Context: "Connect, WillMessage",
				Message: er.ErrInvalidConnPacket,
			}
		}
		willMessage, n, err := utils.DecodeBytes(raw[offset:])
		if err != nil {
			return &er.Err{
				Context: "Connect, WillMessage",
				Message: er.ErrInvalidConnPacket,
			}
		}
		cp.WillMessage = willMessage
		offset += n
	}

	// Username/Password dependency check
	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{
			Context: "Connect, UsernameFlag + PasswordFlag",
			Message: er.ErrPasswordWithoutUsername,
		}
	}

	// Parse Username if UsernameFlag is set
	if cp.UsernameFlag {
		username, _, err := readString(raw, &offset, "Connect, Username")
		if err != nil {
			return &er.Err{
				Context: "Connect, Username",
				Message: er.ErrMalformedUsernameField,
			}
		}
		cp.Username = &username
	}

	// Parse Password if PasswordFlag is set
	if cp.PasswordFlag {
		password, _, err := readString(raw, &offset, "Connect, Password")
		if err != nil {
			return &er.Err{
				Context: "Connect, Password",
				Message: er.ErrMalformedPasswordField,
			}
		}
		cp.Password = &password
	}

	return nil
}

func (cp *ConnectPacket) ValidateClientID() error {
	// Check if ClientID is empty (zero bytes)
	if len(cp.ClientID) == 0 {
		// Empty ClientID is allowed only if CleanSession is set to 1
		if !cp.CleanSession {
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrEmptyAndPersistentClient,
			}
		}
		return &er.Err{
			Context: "Connect, ClientID",
			Message: er.ErrEmptyClientID,
		}
	}

	// Check allowed characters: 0-9, a-z, A-Z plus the separators commonly
	// produced by device provisioning tools
	for _, char := range cp.ClientID {
		if !strings.ContainsRune(clientIDChars, char) {
			return &er.Err{
				Context: "Connect, ClientID",
				Message: er.ErrInvalidCharsClientID,
			}
		}
	}

	return nil
}

const clientIDChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_."

// GenerateClientID builds a server-assigned client id for clients that
// connect with a zero-byte identifier.
func GenerateClientID() string {
	return "dynamq-" + uuid.NewString()[:8]
}

// readString decodes a length-prefixed string at *offset and advances it.
func readString(raw []byte, offset *int, context string) (string, int, error) {
	if *offset+2 > len(raw) {
		return "", 0, &er.Err{
			Context: context,
			Message: er.ErrInvalidConnPacket,
		}
	}
	s, n, err := utils.DecodeString(raw[*offset:])
	if err != nil {
		return "", 0, &er.Err{
			Context: context,
			Message: er.ErrInvalidConnPacket,
		}
	}
	*offset += n
	return s, n, nil
}

package er

import (
	"errors"
	"fmt"
)

type Err struct {
	Context string
	Message error
}

// Packet decoding errors
var (
	ErrShortBuffer              = errors.New("buffer is too short")
	ErrInvalidConnPacket        = errors.New("connect packet is invalid")
	ErrInvalidPacketType        = errors.New("packet type is invalid")
	ErrInvalidPacketLength      = errors.New("packet length is invalid")
	ErrInvalidPacketID          = errors.New("packet id must be non-zero")
	ErrRemainingLengthExceeded  = errors.New("remaining length exceeds protocol maximum")
	ErrRemainingLenMissmatch    = errors.New("remaining length mismatch")
	ErrIdentifierRejected       = errors.New("identifier rejected")
	ErrEmptyAndPersistentClient = errors.New("client id is empty and clean session is set to 0")
	ErrEmptyClientID            = errors.New("empty client id requires clean session to be 1")
	ErrClientIDLengthExceed     = errors.New("client id exceeds 23 bytes")
	ErrInvalidCharsClientID     = errors.New("client id contains invalid characters")
	ErrUnsupportedProtocolLevel = errors.New("protocol level is not supported")
	ErrUnsupportedProtocolName  = errors.New("protocol name is not supported")
	ErrInvalidWillQos           = errors.New("willqos level is invalid")
	ErrPasswordWithoutUsername  = errors.New("password flag set without username flag")
	ErrMalformedUsernameField   = errors.New("malformed username field")
	ErrMalformedPasswordField   = errors.New("malformed password field")
	ErrInvalidPublishPacket     = errors.New("publish packet is invalid")
	ErrInvalidSubscribePacket   = errors.New("subscribe packet is invalid")
	ErrInvalidUnsubscribePacket = errors.New("unsubscribe packet is invalid")
	ErrInvalidPingreqPacket     = errors.New("pingreq packet is invalid")
	ErrInvalidPingreqFlags      = errors.New("pingreq flags must be zero")
	ErrInvalidPingreqLength     = errors.New("pingreq remaining length must be zero")
	ErrInvalidDisconnectPacket  = errors.New("disconnect packet is invalid")
	ErrInvalidAckPacket         = errors.New("acknowledgement packet is invalid")
)

// Topic errors
var (
	ErrEmptyTopic                 = errors.New("topic must not be empty")
	ErrWildcardInTopicName        = errors.New("topic name must not contain wildcards")
	ErrInvalidSingleLevelWildcard = errors.New("'+' must occupy an entire topic level")
	ErrInvalidMultiLevelWildcard  = errors.New("'#' must occupy an entire topic level")
	ErrMultiLevelWildcardNotLast  = errors.New("'#' is only allowed as the last topic level")
)

// Session and state machine errors
var (
	ErrUnexpectedPacket    = errors.New("packet not allowed in current connection state")
	ErrSessionNotFound     = errors.New("session does not exist")
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrAdmissionDenied     = errors.New("connection admission denied")
	ErrNotAuthorized       = errors.New("operation not authorized")
	ErrUserNotFound        = errors.New("user does not exist")
	ErrInvalidPassword     = errors.New("password does not match")
	ErrStoreUnavailable    = errors.New("shared store is unavailable")
	ErrClusterDisabled     = errors.New("cluster mode is disabled")
	ErrConnectTimeout      = errors.New("connect packet not received in time")
)

func (e *Err) Error() string {
	return fmt.Sprintf("context: %s, message: %v", e.Context, e.Message)
}

func (e *Err) Unwrap() error {
	return e.Message
}

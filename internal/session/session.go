package session

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Endpoint is the live network connection bound to a session, when the
// client is connected through this node.
type Endpoint interface {
	WritePacket(raw []byte) error
	Close() error
	Connected() bool
}

// WillMessage is published on the client's behalf when the connection
// drops without a DISCONNECT.
type WillMessage struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// PendingMessage is an in-flight outbound QoS 1 or QoS 2 message awaiting
// acknowledgement, retransmitted with DUP until acked or dropped.
type PendingMessage struct {
	MessageID  uint16 `json:"messageId"`
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	QoS        byte   `json:"qos"`
	Retain     bool   `json:"retain"`
	SentAt     Time   `json:"sentAt"`
	RetryCount int    `json:"retryCount"`
}

// Session is the broker-side state of one MQTT client, addressed by
// client id. A persistent session survives disconnects; a clean session
// is discarded when the connection ends.
type Session struct {
	ClientID       string          `json:"clientId"`
	Username       string          `json:"username,omitempty"`
	CleanSession   bool            `json:"cleanSession"`
	KeepAlive      uint16          `json:"keepAlive"`
	ConnectedAt    Time            `json:"connectedAt"`
	LastActivityAt Time            `json:"lastActivityAt"`
	NodeID         string          `json:"nodeId,omitempty"`
	Will           *WillMessage    `json:"will,omitempty"`
	Subscriptions  map[string]byte `json:"subscriptions,omitempty"`

	// In-flight state, keyed by message id.
	PendingQoS1 map[uint16]*PendingMessage `json:"pendingQos1,omitempty"`
	PendingQoS2 map[uint16]*PendingMessage `json:"pendingQos2,omitempty"`

	// Inbound QoS 2 publish ids already forwarded, awaiting PUBREL.
	InboundQoS2 map[uint16]struct{} `json:"-"`

	lastMessageID uint16
	endpoint      Endpoint
	mu            sync.Mutex
}

func New(clientID string, cleanSession bool, keepAlive uint16, nodeID string) *Session {
	now := Now()
	return &Session{
		ClientID:       clientID,
		CleanSession:   cleanSession,
		KeepAlive:      keepAlive,
		ConnectedAt:    now,
		LastActivityAt: now,
		NodeID:         nodeID,
		Subscriptions:  make(map[string]byte),
		PendingQoS1:    make(map[uint16]*PendingMessage),
		PendingQoS2:    make(map[uint16]*PendingMessage),
		InboundQoS2:    make(map[uint16]struct{}),
	}
}

// NextMessageID hands out outbound packet ids in 1..65535, never 0,
// wrapping around.
func (s *Session) NextMessageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageID++
	if s.lastMessageID == 0 {
		s.lastMessageID = 1
	}
	return s.lastMessageID
}

// BindEndpoint attaches the live connection; nil detaches it.
func (s *Session) BindEndpoint(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
}

// Endpoint returns the bound connection, or nil when the client is not
// connected through this node.
func (s *Session) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// IsConnected reports whether the session has a live connection here.
func (s *Session) IsConnected() bool {
	ep := s.Endpoint()
	return ep != nil && ep.Connected()
}

// Touch records client activity for keep-alive accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = Now()
}

// AddPending records an in-flight outbound message under its QoS table.
func (s *Session) AddPending(msg *PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.QoS {
	case 1:
		s.PendingQoS1[msg.MessageID] = msg
	case 2:
		s.PendingQoS2[msg.MessageID] = msg
	}
}

// AckQoS1 drops the pending QoS 1 entry; reports whether it existed.
func (s *Session) AckQoS1(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.PendingQoS1[messageID]
	delete(s.PendingQoS1, messageID)
	return ok
}

// AckQoS2 drops the pending QoS 2 entry; reports whether it existed.
func (s *Session) AckQoS2(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.PendingQoS2[messageID]
	delete(s.PendingQoS2, messageID)
	return ok
}

// MarkInboundQoS2 records an inbound QoS 2 publish id. It returns false
// when the id was already present, meaning the message must not be
// forwarded again.
func (s *Session) MarkInboundQoS2(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InboundQoS2 == nil {
		s.InboundQoS2 = make(map[uint16]struct{})
	}
	if _, ok := s.InboundQoS2[messageID]; ok {
		return false
	}
	s.InboundQoS2[messageID] = struct{}{}
	return true
}

// ReleaseInboundQoS2 clears an inbound QoS 2 id on PUBREL.
func (s *Session) ReleaseInboundQoS2(messageID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.InboundQoS2, messageID)
}

// PendingSnapshot copies both in-flight tables for the retry sweep so the
// caller can iterate without holding the session lock. Entries are value
// copies; mutations go through MarkRetransmitted.
func (s *Session) PendingSnapshot() []PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingMessage, 0, len(s.PendingQoS1)+len(s.PendingQoS2))
	for _, m := range s.PendingQoS1 {
		out = append(out, *m)
	}
	for _, m := range s.PendingQoS2 {
		out = append(out, *m)
	}
	return out
}

// MarkRetransmitted bumps the retry counter and send time of an in-flight
// entry; reports whether the entry still exists.
func (s *Session) MarkRetransmitted(qos byte, messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msg *PendingMessage
	switch qos {
	case 1:
		msg = s.PendingQoS1[messageID]
	case 2:
		msg = s.PendingQoS2[messageID]
	}
	if msg == nil {
		return false
	}
	msg.RetryCount++
	msg.SentAt = Now()
	return true
}

// DropPending removes an in-flight entry after the retry limit is hit.
func (s *Session) DropPending(qos byte, messageID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch qos {
	case 1:
		delete(s.PendingQoS1, messageID)
	case 2:
		delete(s.PendingQoS2, messageID)
	}
}

// Time is a wall-clock instant persisted as epoch milliseconds. Decoding
// also accepts an epoch-seconds object or an RFC 3339 string, shapes that
// older session records used.
type Time struct {
	time.Time
}

func Now() Time {
	return Time{time.Now()}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	// Epoch milliseconds number
	if millis, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		if millis != 0 {
			t.Time = time.UnixMilli(millis)
		}
		return nil
	}

	// Object with epoch seconds and nanos
	if data[0] == '{' {
		var obj struct {
			EpochSecond int64 `json:"epochSecond"`
			Nano        int64 `json:"nano"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		t.Time = time.Unix(obj.EpochSecond, obj.Nano)
		return nil
	}

	// Quoted RFC 3339 string
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

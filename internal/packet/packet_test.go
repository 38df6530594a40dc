package packet

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dynabot/dynamq/internal/packet/utils"
	"github.com/dynabot/dynamq/pkg/er"
)

// buildConnect assembles a CONNECT packet byte by byte for the parser
// tests.
func buildConnect(clientID string, cleanSession bool, keepAlive uint16, will *struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}, username, password *string) []byte {
	var body []byte
	body = append(body, utils.EncodeString("MQTT")...)
	body = append(body, 4) // protocol level

	var flags byte
	if cleanSession {
		flags |= 0x02
	}
	if will != nil {
		flags |= 0x04
		flags |= will.qos << 3
		if will.retain {
			flags |= 0x20
		}
	}
	if username != nil {
		flags |= 0x80
	}
	if password != nil {
		flags |= 0x40
	}
	body = append(body, flags)
	body = append(body, byte(keepAlive>>8), byte(keepAlive))

	body = append(body, utils.EncodeString(clientID)...)
	if will != nil {
		body = append(body, utils.EncodeString(will.topic)...)
		body = append(body, byte(len(will.payload)>>8), byte(len(will.payload)))
		body = append(body, will.payload...)
	}
	if username != nil {
		body = append(body, utils.EncodeString(*username)...)
	}
	if password != nil {
		body = append(body, utils.EncodeString(*password)...)
	}

	out := []byte{byte(CONNECT)}
	out = append(out, utils.EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

func TestConnectParse(t *testing.T) {
	user := "alice"
	pass := "secret"
	will := &struct {
		topic   string
		payload []byte
		qos     byte
		retain  bool
	}{topic: "last/will", payload: []byte("gone"), qos: 1, retain: true}

	raw := buildConnect("client-42", true, 60, will, &user, &pass)

	cp := &ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cp.ClientID != "client-42" {
		t.Errorf("ClientID = %q", cp.ClientID)
	}
	if !cp.CleanSession {
		t.Error("CleanSession should be set")
	}
	if cp.KeepAlive != 60 {
		t.Errorf("KeepAlive = %d", cp.KeepAlive)
	}
	if cp.WillTopic == nil || *cp.WillTopic != "last/will" {
		t.Errorf("WillTopic = %v", cp.WillTopic)
	}
	if string(cp.WillMessage) != "gone" {
		t.Errorf("WillMessage = %q", cp.WillMessage)
	}
	if cp.WillQoS != 1 || !cp.WillRetain {
		t.Errorf("will flags: qos=%d retain=%v", cp.WillQoS, cp.WillRetain)
	}
	if cp.Username == nil || *cp.Username != "alice" {
		t.Errorf("Username = %v", cp.Username)
	}
	if cp.Password == nil || *cp.Password != "secret" {
		t.Errorf("Password = %v", cp.Password)
	}
}

func TestConnectParseRejections(t *testing.T) {
	base := buildConnect("c1", true, 60, nil, nil, nil)

	t.Run("wrong protocol name", func(t *testing.T) {
		raw := bytes.Clone(base)
		copy(raw[4:], "MQIs")
		cp := &ConnectPacket{}
		if err := cp.Parse(raw); !errors.Is(err, er.ErrUnsupportedProtocolName) {
			t.Errorf("got %v, want protocol name error", err)
		}
	})

	t.Run("wrong protocol level", func(t *testing.T) {
		raw := bytes.Clone(base)
		raw[8] = 3
		cp := &ConnectPacket{}
		if err := cp.Parse(raw); !errors.Is(err, er.ErrUnsupportedProtocolLevel) {
			t.Errorf("got %v, want protocol level error", err)
		}
	})

	t.Run("password without username", func(t *testing.T) {
		pass := "p"
		raw := buildConnect("c1", true, 60, nil, nil, &pass)
		cp := &ConnectPacket{}
		if err := cp.Parse(raw); !errors.Is(err, er.ErrPasswordWithoutUsername) {
			t.Errorf("got %v, want password-without-username error", err)
		}
	})

	t.Run("empty client id with persistent session", func(t *testing.T) {
		raw := buildConnect("", false, 60, nil, nil, nil)
		cp := &ConnectPacket{}
		if err := cp.Parse(raw); !errors.Is(err, er.ErrIdentifierRejected) {
			t.Errorf("got %v, want identifier rejected", err)
		}
	})
}

func TestConnectAssignsClientID(t *testing.T) {
	raw := buildConnect("", true, 60, nil, nil, nil)
	cp := &ConnectPacket{}
	if err := cp.Parse(raw); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !cp.AssignedID {
		t.Error("AssignedID should be set")
	}
	if !strings.HasPrefix(cp.ClientID, "dynamq-") {
		t.Errorf("generated id %q lacks prefix", cp.ClientID)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	id := uint16(7)
	orig := &PublishPacket{
		DUP:      true,
		QoS:      QoSAtLeastOnce,
		Retain:   true,
		Topic:    "sensors/room1/temp",
		PacketID: &id,
		Payload:  []byte("21.5"),
	}

	parsed := &PublishPacket{}
	if err := parsed.Parse(orig.Encode()); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if parsed.Topic != orig.Topic || parsed.QoS != orig.QoS ||
		!parsed.DUP || !parsed.Retain {
		t.Errorf("header mismatch: %+v", parsed)
	}
	if parsed.PacketID == nil || *parsed.PacketID != 7 {
		t.Errorf("PacketID = %v", parsed.PacketID)
	}
	if !bytes.Equal(parsed.Payload, orig.Payload) {
		t.Errorf("Payload = %q", parsed.Payload)
	}
}

func TestPublishQoS0HasNoPacketID(t *testing.T) {
	orig := &PublishPacket{Topic: "a/b", Payload: []byte("x")}

	parsed := &PublishPacket{}
	if err := parsed.Parse(orig.Encode()); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.PacketID != nil {
		t.Errorf("QoS 0 publish must not carry a packet id, got %d", *parsed.PacketID)
	}
}

func TestPublishRejectsWildcardTopic(t *testing.T) {
	orig := &PublishPacket{Topic: "a/+/b", Payload: []byte("x")}
	parsed := &PublishPacket{}
	if err := parsed.Parse(orig.Encode()); !errors.Is(err, er.ErrWildcardInTopicName) {
		t.Errorf("got %v, want wildcard error", err)
	}
}

func TestAckPackets(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		ptype PacketType
	}{
		{"puback", NewPubAck(3), PUBACK},
		{"pubrec", NewPubRec(4), PUBREC},
		{"pubrel", NewPubRel(5), PUBREL},
		{"pubcomp", NewPubComp(6), PUBCOMP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap := &AckPacket{}
			if err := ap.Parse(tt.raw); err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if ap.Type != tt.ptype {
				t.Errorf("Type = %v, want %v", ap.Type, tt.ptype)
			}
		})
	}
}

func TestPubrelFlags(t *testing.T) {
	raw := NewPubRel(9)
	if raw[0] != 0x62 {
		t.Fatalf("PUBREL fixed header = 0x%02x, want 0x62", raw[0])
	}

	// PUBREL with zeroed flags must be rejected
	bad := bytes.Clone(raw)
	bad[0] = 0x60
	ap := &AckPacket{}
	if err := ap.Parse(bad); err == nil {
		t.Error("PUBREL with flags 0000 should be rejected")
	}
}

func TestAckRejectsZeroPacketID(t *testing.T) {
	raw := []byte{0x40, 0x02, 0x00, 0x00}
	ap := &AckPacket{}
	if err := ap.Parse(raw); !errors.Is(err, er.ErrInvalidPacketID) {
		t.Errorf("got %v, want invalid packet id", err)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	orig := &SubscribePacket{
		PacketID: 11,
		Filters: []TopicFilter{
			{Filter: "a/b", QoS: QoSAtMostOnce},
			{Filter: "c/#", QoS: QoSExactlyOnce},
		},
	}

	parsed := &SubscribePacket{}
	if err := parsed.Parse(orig.Encode()); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.PacketID != 11 || len(parsed.Filters) != 2 {
		t.Fatalf("parsed %+v", parsed)
	}
	if parsed.Filters[1].Filter != "c/#" || parsed.Filters[1].QoS != QoSExactlyOnce {
		t.Errorf("second filter: %+v", parsed.Filters[1])
	}
}

func TestSubackEncode(t *testing.T) {
	p := &SubackPacket{PacketID: 5, ReturnCodes: []byte{SubackMaxQoS1, SubackFailure}}
	raw := p.Encode()

	want := []byte{byte(SUBACK), 0x04, 0x00, 0x05, 0x01, 0x80}
	if !bytes.Equal(raw, want) {
		t.Errorf("Encode = % x, want % x", raw, want)
	}
}

func TestPingreqStrictness(t *testing.T) {
	pp := &PingreqPacket{}
	if err := pp.Parse([]byte{byte(PINGREQ), 0x00}); err != nil {
		t.Errorf("valid PINGREQ rejected: %v", err)
	}

	if err := pp.Parse([]byte{byte(PINGREQ) | 0x01, 0x00}); err == nil {
		t.Error("PINGREQ with non-zero flags should be rejected")
	}
	if err := pp.Parse([]byte{byte(PINGREQ), 0x01, 0xFF}); err == nil {
		t.Error("PINGREQ with payload should be rejected")
	}
}

func TestReadPacketFraming(t *testing.T) {
	id := uint16(2)
	first := (&PublishPacket{QoS: QoSAtLeastOnce, Topic: "a/b", PacketID: &id, Payload: []byte("one")}).Encode()
	second := NewPingResp()

	r := bufio.NewReader(bytes.NewReader(append(bytes.Clone(first), second...)))

	got, err := ReadPacket(r, 0)
	if err != nil {
		t.Fatalf("first ReadPacket failed: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("first frame mismatch")
	}

	got, err = ReadPacket(r, 0)
	if err != nil {
		t.Fatalf("second ReadPacket failed: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("second frame mismatch")
	}
}

func TestReadPacketEnforcesMaxSize(t *testing.T) {
	big := &PublishPacket{Topic: "a", Payload: bytes.Repeat([]byte("x"), 2048)}
	r := bufio.NewReader(bytes.NewReader(big.Encode()))

	if _, err := ReadPacket(r, 1024); !errors.Is(err, er.ErrInvalidPacketLength) {
		t.Errorf("got %v, want packet length error", err)
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455} {
		enc := utils.EncodeRemainingLength(n)
		dec, consumed, err := utils.ParseRemainingLength(enc)
		if err != nil {
			t.Fatalf("length %d: %v", n, err)
		}
		if dec != n || consumed != len(enc) {
			t.Errorf("length %d: decoded %d from %d bytes", n, dec, consumed)
		}
	}
}

func TestParseDispatch(t *testing.T) {
	p, err := Parse(NewPubAck(1))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Type != PUBACK || p.Ack == nil {
		t.Errorf("dispatch produced %+v", p)
	}

	if _, err := Parse([]byte{0x00, 0x00}); !errors.Is(err, er.ErrInvalidPacketType) {
		t.Errorf("got %v, want invalid type", err)
	}
}

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/logger"
)

func TestNextMessageIDNeverZero(t *testing.T) {
	s := New("c1", true, 60, "node-1")

	seen := make(map[uint16]bool)
	for i := 0; i < 70000; i++ {
		id := s.NextMessageID()
		if id == 0 {
			t.Fatal("NextMessageID returned 0")
		}
		seen[id] = true
	}
	// Full 1..65535 range must be covered after wrap
	if len(seen) != 65535 {
		t.Errorf("expected 65535 distinct ids, got %d", len(seen))
	}
}

func TestInboundQoS2Dedup(t *testing.T) {
	s := New("c1", true, 60, "node-1")

	if !s.MarkInboundQoS2(10) {
		t.Fatal("first mark should succeed")
	}
	if s.MarkInboundQoS2(10) {
		t.Fatal("second mark of same id should report duplicate")
	}

	s.ReleaseInboundQoS2(10)
	if !s.MarkInboundQoS2(10) {
		t.Fatal("mark after release should succeed again")
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := New("c1", false, 60, "node-1")

	s.AddPending(&PendingMessage{MessageID: 1, Topic: "a", QoS: 1, SentAt: Now()})
	s.AddPending(&PendingMessage{MessageID: 2, Topic: "b", QoS: 2, SentAt: Now()})

	if got := len(s.PendingSnapshot()); got != 2 {
		t.Fatalf("snapshot length = %d", got)
	}

	if !s.AckQoS1(1) {
		t.Error("AckQoS1 should find the entry")
	}
	if s.AckQoS1(1) {
		t.Error("second AckQoS1 should miss")
	}
	if !s.AckQoS2(2) {
		t.Error("AckQoS2 should find the entry")
	}
	if got := len(s.PendingSnapshot()); got != 0 {
		t.Errorf("snapshot should be empty, got %d", got)
	}
}

func TestMarkRetransmitted(t *testing.T) {
	s := New("c1", false, 60, "node-1")
	s.AddPending(&PendingMessage{MessageID: 7, Topic: "a", QoS: 1, SentAt: Now()})

	if !s.MarkRetransmitted(1, 7) {
		t.Fatal("MarkRetransmitted should find the entry")
	}
	snap := s.PendingSnapshot()
	if len(snap) != 1 || snap[0].RetryCount != 1 {
		t.Fatalf("snapshot after retransmit: %+v", snap)
	}

	s.AckQoS1(7)
	if s.MarkRetransmitted(1, 7) {
		t.Error("MarkRetransmitted must miss after the ack")
	}
}

func TestPendingConcurrentSweepAndAck(t *testing.T) {
	s := New("c1", false, 60, "node-1")
	for id := uint16(1); id <= 100; id++ {
		s.AddPending(&PendingMessage{MessageID: id, Topic: "a", QoS: 1, SentAt: Now()})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			for _, msg := range s.PendingSnapshot() {
				s.MarkRetransmitted(msg.QoS, msg.MessageID)
			}
		}
	}()
	for id := uint16(1); id <= 100; id++ {
		s.AckQoS1(id)
	}
	<-done

	if got := len(s.PendingSnapshot()); got != 0 {
		t.Errorf("pending entries left after acks: %d", got)
	}
}

func TestTimeDecodeShapes(t *testing.T) {
	ref := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name string
		json string
	}{
		{"epoch millis", `1741944413000`},
		{"epoch seconds object", `{"epochSecond":1741944413,"nano":0}`},
		{"iso string", `"2025-03-14T09:26:53Z"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Time
			if err := json.Unmarshal([]byte(tt.json), &ts); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if !ts.Time.Equal(ref) {
				t.Errorf("decoded %v, want %v", ts.Time.UTC(), ref)
			}
		})
	}
}

func TestTimeEncodesEpochMillis(t *testing.T) {
	ts := Time{time.UnixMilli(1741944413000)}
	out, err := json.Marshal(ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "1741944413000" {
		t.Errorf("Marshal = %s", out)
	}
}

func TestSessionJSONRoundTrip(t *testing.T) {
	s := New("c1", false, 120, "node-2")
	s.Username = "alice"
	s.Subscriptions["a/#"] = 1
	s.Will = &WillMessage{Topic: "w", Payload: []byte("bye"), QoS: 1}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}

	var back Session
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ClientID != "c1" || back.Username != "alice" || back.KeepAlive != 120 {
		t.Errorf("round trip lost fields: clientId=%q username=%q keepAlive=%d",
			back.ClientID, back.Username, back.KeepAlive)
	}
	if back.Subscriptions["a/#"] != 1 {
		t.Errorf("subscriptions lost: %v", back.Subscriptions)
	}
	if back.Will == nil || back.Will.Topic != "w" {
		t.Errorf("will lost: %v", back.Will)
	}
}

type fakeEndpoint struct {
	closed bool
}

func (f *fakeEndpoint) WritePacket([]byte) error { return nil }
func (f *fakeEndpoint) Close() error             { f.closed = true; return nil }
func (f *fakeEndpoint) Connected() bool          { return !f.closed }

func newTestLocalManager() (*LocalManager, *bus.Bus) {
	b := bus.New()
	log := logger.New(logger.Config{Level: logger.LevelError})
	return NewLocalManager("node-1", b, log), b
}

func TestLocalManagerPersistentResume(t *testing.T) {
	m, _ := newTestLocalManager()
	ctx := context.Background()

	s1, present, err := m.CreateSession(ctx, "c1", false, 60)
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("fresh session must not report present")
	}
	s1.Subscriptions["a/b"] = 1

	// Disconnect without clean session keeps the state
	if err := m.RemoveSession(ctx, "c1", false); err != nil {
		t.Fatal(err)
	}

	s2, present, err := m.CreateSession(ctx, "c1", false, 60)
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("resumed session with subscriptions should report present")
	}
	if s2.Subscriptions["a/b"] != 1 {
		t.Error("subscriptions were not restored")
	}
}

func TestLocalManagerCleanSessionDiscards(t *testing.T) {
	m, _ := newTestLocalManager()
	ctx := context.Background()

	s1, _, _ := m.CreateSession(ctx, "c1", false, 60)
	s1.Subscriptions["a/b"] = 1

	// A clean-session reconnect replaces the stored state
	s2, present, _ := m.CreateSession(ctx, "c1", true, 60)
	if present {
		t.Error("clean session must not report present")
	}
	if len(s2.Subscriptions) != 0 {
		t.Error("clean session must start empty")
	}
}

func TestLocalManagerConnectedAndEviction(t *testing.T) {
	m, b := newTestLocalManager()
	ctx := context.Background()

	s, _, _ := m.CreateSession(ctx, "c1", true, 60)
	ep := &fakeEndpoint{}
	s.BindEndpoint(ep)

	connected, _ := m.IsClientConnected(ctx, "c1")
	if !connected {
		t.Fatal("client should be connected")
	}
	node, _ := m.GetClientNode(ctx, "c1")
	if node != "node-1" {
		t.Errorf("node = %q", node)
	}

	kicked := make(chan struct{})
	cancel := b.Subscribe(DisconnectAddress("c1"), func([]byte) {
		close(kicked)
	})
	defer cancel()

	if err := m.ForceDisconnect(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatal("eviction request never reached the bus")
	}
}

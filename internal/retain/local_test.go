package retain

import (
	"context"
	"testing"
)

func TestLocalStoreUpsertAndGet(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	if err := s.Store(ctx, &Message{Topic: "a/b", Payload: []byte("v1"), QoS: 1}); err != nil {
		t.Fatal(err)
	}

	msg, err := s.Get(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || string(msg.Payload) != "v1" {
		t.Fatalf("Get = %+v", msg)
	}
	if msg.Timestamp == 0 {
		t.Error("timestamp should be stamped on store")
	}

	// Same topic replaces
	s.Store(ctx, &Message{Topic: "a/b", Payload: []byte("v2"), QoS: 0})
	msg, _ = s.Get(ctx, "a/b")
	if string(msg.Payload) != "v2" {
		t.Errorf("replacement lost: %q", msg.Payload)
	}

	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d", n)
	}
}

func TestLocalStoreEmptyPayloadDeletes(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	s.Store(ctx, &Message{Topic: "a/b", Payload: []byte("v")})
	s.Store(ctx, &Message{Topic: "a/b", Payload: nil})

	msg, err := s.Get(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Errorf("retained message should be cleared, got %+v", msg)
	}
}

func TestLocalStoreGetMatching(t *testing.T) {
	s := NewLocalStore()
	ctx := context.Background()

	s.Store(ctx, &Message{Topic: "sensors/room1/temp", Payload: []byte("20")})
	s.Store(ctx, &Message{Topic: "sensors/room2/temp", Payload: []byte("21")})
	s.Store(ctx, &Message{Topic: "sensors/room1/humidity", Payload: []byte("40")})
	s.Store(ctx, &Message{Topic: "alerts/fire", Payload: []byte("!")})

	tests := []struct {
		filter string
		want   int
	}{
		{"sensors/+/temp", 2},
		{"sensors/#", 3},
		{"#", 4},
		{"sensors/room1/temp", 1},
		{"nothing/here", 0},
	}

	for _, tt := range tests {
		got, err := s.GetMatching(ctx, tt.filter)
		if err != nil {
			t.Fatalf("GetMatching(%q): %v", tt.filter, err)
		}
		if len(got) != tt.want {
			t.Errorf("GetMatching(%q) = %d messages, want %d", tt.filter, len(got), tt.want)
		}
	}
}

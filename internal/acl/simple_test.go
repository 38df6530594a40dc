package acl

import (
	"context"
	"testing"

	"github.com/dynabot/dynamq/internal/config"
)

func TestSimpleProviderRules(t *testing.T) {
	p := NewSimpleProvider(config.ACLConfig{
		DefaultAllow: false,
		Rules: []config.Rule{
			{ClientID: "sensor-1", Topic: "sensors/#", Action: "publish", Allow: true},
			{Username: "admin", Topic: "#", Allow: true},
			{Topic: "public/+", Action: "subscribe", Allow: true},
		},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		username string
		action   Action
		topic    string
		want     bool
	}{
		{"matching client publish", "sensor-1", "", ActionPublish, "sensors/room1/temp", true},
		{"wrong client", "sensor-2", "", ActionPublish, "sensors/room1/temp", false},
		{"client right action wrong topic", "sensor-1", "", ActionPublish, "other/x", false},
		{"client wrong action", "sensor-1", "", ActionSubscribe, "sensors/room1/temp", false},
		{"admin full access", "any", "admin", ActionPublish, "whatever/topic", true},
		{"anonymous subscribe public", "c9", "", ActionSubscribe, "public/news", true},
		{"anonymous publish public denied", "c9", "", ActionPublish, "public/news", false},
		{"default deny", "c9", "", ActionPublish, "private/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.CheckPermission(ctx, tt.clientID, tt.username, tt.action, tt.topic)
			if got != tt.want {
				t.Errorf("CheckPermission(%q, %q, %s, %q) = %v, want %v",
					tt.clientID, tt.username, tt.action, tt.topic, got, tt.want)
			}
		})
	}
}

func TestSimpleProviderDefaultAllow(t *testing.T) {
	p := NewSimpleProvider(config.ACLConfig{DefaultAllow: true})

	if !p.CheckPermission(context.Background(), "c1", "", ActionPublish, "any/topic") {
		t.Error("empty rule set with default allow should permit")
	}
}

func TestSimpleProviderFilterSubscribe(t *testing.T) {
	p := NewSimpleProvider(config.ACLConfig{
		DefaultAllow: false,
		Rules: []config.Rule{
			{Topic: "#", Action: "subscribe", Allow: true},
		},
	})

	// A wildcard subscription filter is covered by the catch-all rule
	if !p.CheckPermission(context.Background(), "c1", "", ActionSubscribe, "sensors/#") {
		t.Error("catch-all rule should cover wildcard filters")
	}
}

func TestNoOpAllowsEverything(t *testing.T) {
	p := NoOp{}
	if !p.CheckPermission(context.Background(), "", "", ActionPublish, "x") {
		t.Error("NoOp must allow")
	}
}

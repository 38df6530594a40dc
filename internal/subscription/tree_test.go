package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dynabot/dynamq/internal/packet"
)

func TestTreeMatch(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		topic   string
		matches bool
	}{
		{"exact", "a/b/c", "a/b/c", true},
		{"exact mismatch", "a/b/c", "a/b/d", false},
		{"single level wildcard", "a/+/c", "a/b/c", true},
		{"single level wildcard mismatch depth", "a/+/c", "a/b/c/d", false},
		{"single level at root", "+", "a", true},
		{"single level does not cross levels", "+", "a/b", false},
		{"multi level matches all", "#", "a/b/c", true},
		{"multi level matches root", "#", "a", true},
		{"multi level suffix", "a/#", "a/b/c", true},
		{"multi level matches parent", "a/#", "a", true},
		{"multi level wrong branch", "a/#", "b/c", false},
		{"mixed wildcards", "a/+/#", "a/b/c/d", true},
		{"topic shorter than filter", "a/b/c", "a/b", false},
		{"filter shorter than topic", "a/b", "a/b/c", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := NewTree()
			if err := tree.Add("client-1", tt.filter, packet.QoSAtMostOnce); err != nil {
				t.Fatalf("Add(%q) failed: %v", tt.filter, err)
			}

			_, matched := tree.Match(tt.topic)["client-1"]
			if matched != tt.matches {
				t.Errorf("filter %q vs topic %q: got match=%v, want %v",
					tt.filter, tt.topic, matched, tt.matches)
			}
		})
	}
}

func TestTreeAddRejectsInvalidFilter(t *testing.T) {
	tree := NewTree()

	for _, filter := range []string{"", "a/#/b", "a/b+", "a/+b/c", "#/a"} {
		if err := tree.Add("c1", filter, packet.QoSAtMostOnce); err == nil {
			t.Errorf("Add(%q) should have failed", filter)
		}
	}
}

func TestTreeHighestQoSWins(t *testing.T) {
	tree := NewTree()
	tree.Add("c1", "a/b", packet.QoSAtMostOnce)
	tree.Add("c1", "a/#", packet.QoSExactlyOnce)

	got := tree.Match("a/b")
	if got["c1"] != packet.QoSExactlyOnce {
		t.Errorf("expected QoS 2 from overlapping filters, got %d", got["c1"])
	}
}

func TestTreeResubscribeReplacesQoS(t *testing.T) {
	tree := NewTree()
	tree.Add("c1", "a/b", packet.QoSAtMostOnce)
	tree.Add("c1", "a/b", packet.QoSAtLeastOnce)

	if got := tree.Match("a/b")["c1"]; got != packet.QoSAtLeastOnce {
		t.Errorf("expected replaced QoS 1, got %d", got)
	}
	if n := tree.Count(); n != 1 {
		t.Errorf("expected 1 subscription after resubscribe, got %d", n)
	}
}

func TestTreeRemove(t *testing.T) {
	tree := NewTree()
	tree.Add("c1", "a/b", packet.QoSAtMostOnce)
	tree.Add("c2", "a/b", packet.QoSAtMostOnce)

	tree.Remove("c1", "a/b")

	got := tree.Match("a/b")
	if _, ok := got["c1"]; ok {
		t.Error("c1 still matched after Remove")
	}
	if _, ok := got["c2"]; !ok {
		t.Error("c2 should still match")
	}

	// Removing an absent filter is a no-op
	tree.Remove("c1", "x/y")
}

func TestTreeRemoveAll(t *testing.T) {
	tree := NewTree()
	tree.Add("c1", "a/b", packet.QoSAtMostOnce)
	tree.Add("c1", "c/+", packet.QoSAtLeastOnce)
	tree.Add("c2", "a/b", packet.QoSAtMostOnce)

	tree.RemoveAll("c1")

	if _, ok := tree.Match("a/b")["c1"]; ok {
		t.Error("c1 still matched after RemoveAll")
	}
	if _, ok := tree.Match("c/d")["c1"]; ok {
		t.Error("c1 wildcard still matched after RemoveAll")
	}
	if tree.Count() != 1 {
		t.Errorf("expected only c2's subscription left, count=%d", tree.Count())
	}
}

func TestTreeSubscriptionsOf(t *testing.T) {
	tree := NewTree()
	tree.Add("c1", "a/b", packet.QoSAtLeastOnce)
	tree.Add("c1", "sensors/#", packet.QoSExactlyOnce)
	tree.Add("c2", "a/b", packet.QoSAtMostOnce)

	subs := tree.SubscriptionsOf("c1")
	if len(subs) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(subs))
	}
	if subs["a/b"] != packet.QoSAtLeastOnce {
		t.Errorf("a/b: got QoS %d", subs["a/b"])
	}
	if subs["sensors/#"] != packet.QoSExactlyOnce {
		t.Errorf("sensors/#: got QoS %d", subs["sensors/#"])
	}
}

func TestTreeConcurrentAccess(t *testing.T) {
	tree := NewTree()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client := fmt.Sprintf("c%d", n)
			for j := 0; j < 100; j++ {
				tree.Add(client, fmt.Sprintf("t/%d", j%10), packet.QoSAtMostOnce)
				tree.Match(fmt.Sprintf("t/%d", j%10))
				tree.Remove(client, fmt.Sprintf("t/%d", j%10))
			}
		}(i)
	}
	wg.Wait()
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "anything/at/all", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/d", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}

	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

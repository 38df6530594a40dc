package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dynabot/dynamq/internal/bus"
	"github.com/dynabot/dynamq/internal/cluster"
	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/packet"
	"github.com/dynabot/dynamq/internal/session"
)

type fakeRouter struct {
	mu         sync.Mutex
	broadcasts int
	routed     []string
}

func (f *fakeRouter) OnPublish(cluster.PublishHandler)   {}
func (f *fakeRouter) OnTargeted(cluster.TargetedHandler) {}
func (f *fakeRouter) Start()                             {}
func (f *fakeRouter) Stop()                              {}

func (f *fakeRouter) BroadcastPublish(ctx context.Context, topic string, payload []byte, qos byte, retain bool, excludeClientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	return nil
}

func (f *fakeRouter) RouteToClient(ctx context.Context, clientID, topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, clientID)
	return nil
}

func (f *fakeRouter) routedClients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.routed...)
}

func newClusteredTestBroker(t *testing.T, r Router) *Broker {
	t.Helper()

	cfg := config.Default()
	log := logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})
	b := bus.New()

	brk := New(cfg, Deps{
		Sessions: session.NewLocalManager(cfg.Cluster.NodeID, b, log),
		Router:   r,
		Bus:      b,
		Log:      log,
	})
	brk.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		brk.Shutdown(ctx)
	})
	return brk
}

// A publish matching a subscriber with no local connection goes to the
// cluster router for delivery through the client's owning node.
func TestPublishRoutesToRemoteSubscriber(t *testing.T) {
	fr := &fakeRouter{}
	b := newClusteredTestBroker(t, fr)

	// Known to the index, connected elsewhere
	if err := b.subs.Add("remote-1", "a/b", packet.QoSAtLeastOnce); err != nil {
		t.Fatal(err)
	}

	pub := dial(t, b)
	pub.connect("p1", true)
	pub.publish("a/b", []byte("v"), packet.QoSAtMostOnce, 0, false)

	deadline := time.Now().Add(2 * time.Second)
	for {
		routed := fr.routedClients()
		if len(routed) == 1 && routed[0] == "remote-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("targeted route never happened, routed = %v", routed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	fr.mu.Lock()
	broadcasts := fr.broadcasts
	fr.mu.Unlock()
	if broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", broadcasts)
	}
}

// A broadcast received from a peer node fans out locally only; it must
// never be re-routed onto the targeted channel.
func TestClusterPublishIsNotRerouted(t *testing.T) {
	fr := &fakeRouter{}
	b := newClusteredTestBroker(t, fr)

	if err := b.subs.Add("remote-1", "a/b", packet.QoSAtLeastOnce); err != nil {
		t.Fatal(err)
	}

	b.handleClusterPublish(&cluster.Message{
		Topic:      "a/b",
		Payload:    []byte("v"),
		QoS:        0,
		SourceNode: "node-2",
	})

	if routed := fr.routedClients(); len(routed) != 0 {
		t.Errorf("broadcast was re-routed to %v", routed)
	}
}

package retain

import (
	"context"
	"sync"
	"time"

	"github.com/dynabot/dynamq/internal/subscription"
)

// LocalStore keeps retained messages in process memory. It is the store
// used in standalone (non-clustered) deployments.
type LocalStore struct {
	messages map[string]*Message
	mu       sync.RWMutex
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		messages: make(map[string]*Message),
	}
}

func (s *LocalStore) Store(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.messages, msg.Topic)
		return nil
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	s.messages[msg.Topic] = msg
	return nil
}

func (s *LocalStore) Get(_ context.Context, topic string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.messages[topic], nil
}

func (s *LocalStore) Remove(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, topic)
	return nil
}

func (s *LocalStore) GetMatching(_ context.Context, filter string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for topic, msg := range s.messages {
		if subscription.TopicMatches(filter, topic) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *LocalStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages), nil
}

func (s *LocalStore) Close() error {
	return nil
}

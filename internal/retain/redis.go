package retain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynabot/dynamq/internal/logger"
	"github.com/dynabot/dynamq/internal/subscription"
	"github.com/dynabot/dynamq/pkg/er"
)

const (
	retainKeyPrefix  = "dynamq:retain:"
	retainSyncTopic  = "dynamq:retain:sync"
	retainSyncStore  = "store"
	retainSyncRemove = "remove"
)

// syncEvent is broadcast on the retain sync channel so peer nodes can
// invalidate their read-through caches.
type syncEvent struct {
	Action     string `json:"action"`
	Topic      string `json:"topic"`
	SourceNode string `json:"sourceNode"`
}

// RedisStore keeps retained messages in the shared store so every node in
// the cluster observes the same retained state. Reads go through a local
// cache that is invalidated by sync events from peer nodes.
type RedisStore struct {
	rdb    *redis.Client
	nodeID string
	log    *logger.Logger

	cache   map[string]*Message
	cacheMu sync.RWMutex

	cancel context.CancelFunc
}

func NewRedisStore(rdb *redis.Client, nodeID string, log *logger.Logger) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		nodeID: nodeID,
		log:    log,
		cache:  make(map[string]*Message),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listenSync(ctx)

	return s
}

// listenSync consumes invalidation events published by peer nodes and
// evicts the affected topics from the local cache.
func (s *RedisStore) listenSync(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, retainSyncTopic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var ev syncEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("malformed retain sync event", logger.ErrorAttr(err))
				continue
			}
			if ev.SourceNode == s.nodeID {
				continue
			}

			s.cacheMu.Lock()
			delete(s.cache, ev.Topic)
			s.cacheMu.Unlock()
		}
	}
}

func (s *RedisStore) publishSync(ctx context.Context, action, topic string) {
	data, err := json.Marshal(syncEvent{
		Action:     action,
		Topic:      topic,
		SourceNode: s.nodeID,
	})
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, retainSyncTopic, data).Err(); err != nil {
		s.log.Warn("failed to publish retain sync event",
			logger.Topic(topic), logger.ErrorAttr(err))
	}
}

func (s *RedisStore) Store(ctx context.Context, msg *Message) error {
	if len(msg.Payload) == 0 {
		return s.Remove(ctx, msg.Topic)
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &er.Err{Context: "RetainStore", Message: err}
	}

	if err := s.rdb.Set(ctx, retainKeyPrefix+msg.Topic, data, 0).Err(); err != nil {
		return &er.Err{Context: "RetainStore", Message: er.ErrStoreUnavailable}
	}

	s.cacheMu.Lock()
	s.cache[msg.Topic] = msg
	s.cacheMu.Unlock()

	s.publishSync(ctx, retainSyncStore, msg.Topic)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, topic string) (*Message, error) {
	s.cacheMu.RLock()
	if msg, ok := s.cache[topic]; ok {
		s.cacheMu.RUnlock()
		return msg, nil
	}
	s.cacheMu.RUnlock()

	data, err := s.rdb.Get(ctx, retainKeyPrefix+topic).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &er.Err{Context: "RetainGet", Message: er.ErrStoreUnavailable}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &er.Err{Context: "RetainGet", Message: err}
	}

	s.cacheMu.Lock()
	s.cache[topic] = &msg
	s.cacheMu.Unlock()

	return &msg, nil
}

func (s *RedisStore) Remove(ctx context.Context, topic string) error {
	if err := s.rdb.Del(ctx, retainKeyPrefix+topic).Err(); err != nil {
		return &er.Err{Context: "RetainRemove", Message: er.ErrStoreUnavailable}
	}

	s.cacheMu.Lock()
	delete(s.cache, topic)
	s.cacheMu.Unlock()

	s.publishSync(ctx, retainSyncRemove, topic)
	return nil
}

func (s *RedisStore) GetMatching(ctx context.Context, filter string) ([]*Message, error) {
	keys, err := s.rdb.Keys(ctx, retainKeyPrefix+"*").Result()
	if err != nil {
		return nil, &er.Err{Context: "RetainGetMatching", Message: er.ErrStoreUnavailable}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	matching := make([]string, 0, len(keys))
	for _, key := range keys {
		topic := key[len(retainKeyPrefix):]
		if subscription.TopicMatches(filter, topic) {
			matching = append(matching, key)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	values, err := s.rdb.MGet(ctx, matching...).Result()
	if err != nil {
		return nil, &er.Err{Context: "RetainGetMatching", Message: er.ErrStoreUnavailable}
	}

	out := make([]*Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			s.log.Warn("skipping malformed retained message", logger.ErrorAttr(err))
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	keys, err := s.rdb.Keys(ctx, retainKeyPrefix+"*").Result()
	if err != nil {
		return 0, &er.Err{Context: "RetainCount", Message: er.ErrStoreUnavailable}
	}
	return len(keys), nil
}

func (s *RedisStore) Close() error {
	s.cancel()
	return nil
}

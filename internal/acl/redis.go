package acl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dynabot/dynamq/internal/logger"
)

const aclRulesKey = "dynamq:acl:rules"

// RedisProvider loads its rule list from the shared store and refreshes
// it periodically, so operators can change authorization cluster-wide
// without restarting nodes.
type RedisProvider struct {
	rdb          *redis.Client
	log          *logger.Logger
	defaultAllow bool

	rules []Rule
	mu    sync.RWMutex

	cancel context.CancelFunc
}

func NewRedisProvider(rdb *redis.Client, defaultAllow bool, refresh time.Duration, log *logger.Logger) *RedisProvider {
	p := &RedisProvider{
		rdb:          rdb,
		log:          log,
		defaultAllow: defaultAllow,
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.load(ctx)
	go p.refreshLoop(ctx, refresh)

	return p
}

func (p *RedisProvider) refreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.load(ctx)
		}
	}
}

func (p *RedisProvider) load(ctx context.Context) {
	data, err := p.rdb.Get(ctx, aclRulesKey).Bytes()
	if err == redis.Nil {
		p.mu.Lock()
		p.rules = nil
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.log.Warn("failed to load acl rules", logger.ErrorAttr(err))
		return
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		p.log.Warn("malformed acl rules, keeping previous set", logger.ErrorAttr(err))
		return
	}

	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

func (p *RedisProvider) CheckPermission(_ context.Context, clientID, username string, action Action, topic string) bool {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	for i := range rules {
		if rules[i].matches(clientID, username, action, topic) {
			return rules[i].Allow
		}
	}
	return p.defaultAllow
}

func (p *RedisProvider) Close() {
	p.cancel()
}

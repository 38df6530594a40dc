package metrics

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const sharedKeyPrefix = "dynamq:metrics:"

// SharedCounters mirrors a few headline counters into the shared store so
// any node (or an operator's redis-cli) can read cluster-wide totals.
// All writes are best effort.
type SharedCounters struct {
	rdb *redis.Client
}

func NewSharedCounters(rdb *redis.Client) *SharedCounters {
	return &SharedCounters{rdb: rdb}
}

func (s *SharedCounters) Incr(name string) {
	if s == nil || s.rdb == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.rdb.Incr(ctx, sharedKeyPrefix+name)
	}()
}

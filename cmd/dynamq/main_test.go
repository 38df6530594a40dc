package main

import (
	"io"
	"testing"

	"github.com/dynabot/dynamq/internal/config"
	"github.com/dynabot/dynamq/internal/logger"
)

// An unreachable shared store must not be fatal: connectRedis reports it
// with a nil client and the broker runs on the local stores.
func TestConnectRedisFallsBackWhenUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1" // nothing listens here
	log := logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})

	if rdb := connectRedis(cfg, log); rdb != nil {
		rdb.Close()
		t.Fatal("connectRedis should return nil for an unreachable store")
	}
}

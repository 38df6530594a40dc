package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 1883 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.MQTT.KeepAliveMax != 300 {
		t.Errorf("KeepAliveMax = %d", cfg.MQTT.KeepAliveMax)
	}
	if cfg.MQTT.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.MQTT.MaxRetries)
	}
	if cfg.RetryInterval() != 10*time.Second {
		t.Errorf("RetryInterval = %v", cfg.RetryInterval())
	}
	if cfg.ConnectionTTL() != 600*time.Second {
		t.Errorf("ConnectionTTL = %v, want twice the keep-alive max", cfg.ConnectionTTL())
	}
	if cfg.MaxMessageSize() != 64*1024 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dynamq.yaml")

	content := `
server:
  port: 2883
mqtt:
  keep-alive-max: 120
  retry-interval: 5
cluster:
  enabled: true
  node-id: node-7
acl:
  enabled: true
  provider: simple
  default-allow: false
  rules:
    - client-id: sensor-1
      topic: sensors/#
      action: publish
      allow: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 2883 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.MQTT.KeepAliveMax != 120 {
		t.Errorf("KeepAliveMax = %d", cfg.MQTT.KeepAliveMax)
	}
	if cfg.RetryInterval() != 5*time.Second {
		t.Errorf("RetryInterval = %v", cfg.RetryInterval())
	}
	if !cfg.Cluster.Enabled || cfg.Cluster.NodeID != "node-7" {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if len(cfg.ACL.Rules) != 1 || cfg.ACL.Rules[0].ClientID != "sensor-1" {
		t.Errorf("acl rules = %+v", cfg.ACL.Rules)
	}

	// Untouched sections keep their defaults
	if cfg.MQTT.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default", cfg.MQTT.MaxRetries)
	}
}

func TestEnvOverridesNodeID(t *testing.T) {
	t.Setenv("DYNAMQ_NODE_ID", "env-node")
	t.Setenv("DYNAMQ_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cluster.NodeID != "env-node" {
		t.Errorf("NodeID = %q", cfg.Cluster.NodeID)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

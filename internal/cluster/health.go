package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dynabot/dynamq/internal/logger"
)

const (
	nodeKeyPrefix        = "dynamq:node:"
	nodeMetricsKeyPrefix = "dynamq:node:metrics:"
	activeNodesKey       = "dynamq:nodes:active"

	heartbeatInterval = 5 * time.Second
	heartbeatTTL      = 15 * time.Second
	checkInterval     = 10 * time.Second
)

// NodeInfo is the heartbeat record each node writes under its key.
type NodeInfo struct {
	NodeID    string `json:"nodeId"`
	StartedAt int64  `json:"startedAt"`
	Timestamp int64  `json:"timestamp"`
}

// NodeMetrics is the resource snapshot attached to each heartbeat.
type NodeMetrics struct {
	NodeID         string  `json:"nodeId"`
	Sessions       int     `json:"sessions"`
	MemoryUsedMiB  uint64  `json:"memoryUsedMiB"`
	MemoryTotalMiB uint64  `json:"memoryTotalMiB"`
	MemoryPercent  float64 `json:"memoryPercent"`
	Timestamp      int64   `json:"timestamp"`
}

// Monitor heartbeats this node's liveness into the shared store and
// watches the active set for peers joining or dropping out. A node whose
// heartbeat key has expired is declared gone and removed from the set.
type Monitor struct {
	rdb    *redis.Client
	nodeID string
	log    *logger.Logger

	// SessionCount feeds the per-heartbeat metrics snapshot.
	SessionCount func() int

	OnNodeJoined func(nodeID string)
	OnNodeLeft   func(nodeID string)

	startedAt time.Time
	known     map[string]struct{}
	mu        sync.Mutex

	cancel context.CancelFunc
}

func NewMonitor(rdb *redis.Client, nodeID string, log *logger.Logger) *Monitor {
	return &Monitor{
		rdb:       rdb,
		nodeID:    nodeID,
		log:       log,
		startedAt: time.Now(),
		known:     make(map[string]struct{}),
	}
}

func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.heartbeat(ctx)
	go m.heartbeatLoop(ctx)
	go m.checkLoop(ctx)

	m.log.Info("node health monitor started", logger.Node(m.nodeID))
}

func (m *Monitor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Monitor) heartbeat(ctx context.Context) {
	now := time.Now()

	info, err := json.Marshal(NodeInfo{
		NodeID:    m.nodeID,
		StartedAt: m.startedAt.UnixMilli(),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, nodeKeyPrefix+m.nodeID, info, heartbeatTTL)
	pipe.SAdd(ctx, activeNodesKey, m.nodeID)

	if metrics := m.snapshot(now); metrics != nil {
		pipe.Set(ctx, nodeMetricsKeyPrefix+m.nodeID, metrics, heartbeatTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("heartbeat write failed", logger.ErrorAttr(err))
	}
}

func (m *Monitor) snapshot(now time.Time) []byte {
	metrics := NodeMetrics{
		NodeID:    m.nodeID,
		Timestamp: now.UnixMilli(),
	}
	if m.SessionCount != nil {
		metrics.Sessions = m.SessionCount()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsedMiB = vm.Used / 1024 / 1024
		metrics.MemoryTotalMiB = vm.Total / 1024 / 1024
		metrics.MemoryPercent = vm.UsedPercent
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return nil
	}
	return data
}

func (m *Monitor) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check reconciles the active set against live heartbeat keys, firing
// joined/left callbacks on membership changes.
func (m *Monitor) check(ctx context.Context) {
	members, err := m.rdb.SMembers(ctx, activeNodesKey).Result()
	if err != nil {
		m.log.Warn("failed to read active node set", logger.ErrorAttr(err))
		return
	}

	alive := make(map[string]struct{}, len(members))
	for _, node := range members {
		if node == m.nodeID {
			alive[node] = struct{}{}
			continue
		}

		n, err := m.rdb.Exists(ctx, nodeKeyPrefix+node).Result()
		if err != nil {
			continue
		}
		if n > 0 {
			alive[node] = struct{}{}
		} else {
			// Heartbeat expired: the node is gone
			m.rdb.SRem(ctx, activeNodesKey, node)
			m.rdb.Del(ctx, nodeMetricsKeyPrefix+node)
		}
	}

	m.mu.Lock()
	var joined, left []string
	for node := range alive {
		if _, ok := m.known[node]; !ok && node != m.nodeID {
			joined = append(joined, node)
		}
	}
	for node := range m.known {
		if _, ok := alive[node]; !ok {
			left = append(left, node)
		}
	}
	m.known = alive
	m.mu.Unlock()

	for _, node := range joined {
		m.log.Info("node joined cluster", logger.Node(node))
		if m.OnNodeJoined != nil {
			m.OnNodeJoined(node)
		}
	}
	for _, node := range left {
		m.log.Warn("node left cluster", logger.Node(node))
		if m.OnNodeLeft != nil {
			m.OnNodeLeft(node)
		}
	}
}

// ActiveNodes lists the cluster's live membership.
func (m *Monitor) ActiveNodes(ctx context.Context) ([]string, error) {
	members, err := m.rdb.SMembers(ctx, activeNodesKey).Result()
	if err != nil {
		return nil, err
	}

	out := members[:0]
	for _, node := range members {
		if strings.TrimSpace(node) != "" {
			out = append(out, node)
		}
	}
	return out, nil
}

// Stop ends the heartbeat and removes this node from the active set.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := m.rdb.Pipeline()
	pipe.SRem(ctx, activeNodesKey, m.nodeID)
	pipe.Del(ctx, nodeKeyPrefix+m.nodeID)
	pipe.Del(ctx, nodeMetricsKeyPrefix+m.nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("failed to deregister node", logger.ErrorAttr(err))
	}
}

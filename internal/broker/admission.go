package broker

import (
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dynabot/dynamq/internal/config"
)

// Limiter applies admission control at accept time: a cap on concurrent
// connections per IP plus a process-wide token-bucket limit on connection
// attempts per second.
type Limiter struct {
	enabled  bool
	maxPerIP int
	rate     *rate.Limiter

	active map[string]int
	mu     sync.Mutex
}

func NewLimiter(cfg config.LimitsConfig) *Limiter {
	l := &Limiter{
		enabled:  cfg.RateLimitEnabled,
		maxPerIP: cfg.MaxConnectionsPerIP,
		active:   make(map[string]int),
	}
	if cfg.ConnectRatePerSecond > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSecond), cfg.ConnectRatePerSecond)
	}
	return l
}

// Admit decides whether a new connection from addr may proceed, and
// counts it when allowed. Callers must pair it with Release.
func (l *Limiter) Admit(addr net.Addr) bool {
	if !l.enabled {
		return true
	}

	ip := hostOnly(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPerIP > 0 && l.active[ip] >= l.maxPerIP {
		return false
	}
	// One bucket for the whole node: the connect rate bounds the process,
	// not each source address.
	if l.rate != nil && !l.rate.Allow() {
		return false
	}

	l.active[ip]++
	return true
}

// Release returns an admitted connection's slot.
func (l *Limiter) Release(addr net.Addr) {
	if !l.enabled {
		return
	}

	ip := hostOnly(addr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.active[ip]; n > 1 {
		l.active[ip] = n - 1
	} else {
		delete(l.active, ip)
	}
}

func hostOnly(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

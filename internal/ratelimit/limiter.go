// Package ratelimit provides token-bucket rate limiting for MCP requests.
//
// Each client gets a bucket refilled at RequestsPerSecond up to
// BurstCapacity, plus a sliding per-minute counter. Tools listed in
// ToolLimits get an extra per-(client, tool) per-minute counter.
// Exhausting the bucket puts the client in a cooldown.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerMinute is the sliding-window request budget per client.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	// RequestsPerSecond is the token refill rate.
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	// BurstCapacity is the maximum number of tokens in the bucket.
	BurstCapacity int `yaml:"burst_capacity" json:"burst_capacity"`
	// ToolLimits maps tool names to per-minute budgets.
	ToolLimits map[string]int `yaml:"tool_limits" json:"tool_limits,omitempty"`
	// CooldownSeconds is how long a client is blocked after draining the bucket.
	CooldownSeconds float64 `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		RequestsPerSecond: 10,
		BurstCapacity:     20,
		CooldownSeconds:   1.0,
		Enabled:           true,
	}
}

// state tracks one bucket: tokens, the per-minute window, and cooldown.
type state struct {
	tokens       float64
	lastUpdate   time.Time
	requestCount int
	windowStart  time.Time
	blockedUntil time.Time
}

// Stats is a point-in-time view of a client's limiter state.
type Stats struct {
	Tokens       float64    `json:"tokens"`
	RequestCount int        `json:"request_count"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// Limiter enforces per-client and per-tool limits. Check and Consume share
// one mutex; callers must Consume only after an allowed Check so tokens
// cannot go negative.
type Limiter struct {
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	clients    map[string]*state
	toolStates map[string]map[string]*state

	now func() time.Time
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(config Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		config:     config,
		logger:     logger.With("component", "ratelimit"),
		clients:    make(map[string]*state),
		toolStates: make(map[string]map[string]*state),
		now:        time.Now,
	}
}

func (l *Limiter) clientState(clientID string) *state {
	s, ok := l.clients[clientID]
	if !ok {
		s = &state{}
		l.clients[clientID] = s
	}
	return s
}

func (l *Limiter) toolState(clientID, toolName string) *state {
	tools, ok := l.toolStates[clientID]
	if !ok {
		tools = make(map[string]*state)
		l.toolStates[clientID] = tools
	}
	s, ok := tools[toolName]
	if !ok {
		s = &state{}
		tools[toolName] = s
	}
	return s
}

// refill adds tokens for elapsed time and rolls the per-minute window. A
// fresh state starts with a full bucket.
func (l *Limiter) refill(s *state, now time.Time) {
	if s.lastUpdate.IsZero() {
		s.tokens = float64(l.config.BurstCapacity)
		s.lastUpdate = now
		s.windowStart = now
		return
	}

	elapsed := now.Sub(s.lastUpdate).Seconds()
	s.tokens = min(float64(l.config.BurstCapacity), s.tokens+elapsed*float64(l.config.RequestsPerSecond))
	s.lastUpdate = now

	if now.Sub(s.windowStart) >= time.Minute {
		s.requestCount = 0
		s.windowStart = now
	}
}

// Check reports whether a request from clientID (optionally naming a tool)
// is allowed right now, and if not, how many seconds to wait. It does not
// consume a token; call Consume after an allowed Check.
func (l *Limiter) Check(clientID, toolName string) (allowed bool, retryAfter float64) {
	if !l.config.Enabled {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.clientState(clientID)

	if s.blockedUntil.After(now) {
		return false, s.blockedUntil.Sub(now).Seconds()
	}

	l.refill(s, now)

	if s.tokens < 1 {
		s.blockedUntil = now.Add(time.Duration(l.config.CooldownSeconds * float64(time.Second)))
		l.logger.Warn("rate limit exceeded", "client_id", clientID, "reason", "burst")
		return false, l.config.CooldownSeconds
	}

	if s.requestCount >= l.config.RequestsPerMinute {
		retryAfter = 60 - now.Sub(s.windowStart).Seconds()
		l.logger.Warn("rate limit exceeded", "client_id", clientID, "reason", "per-minute")
		return false, max(retryAfter, 0.1)
	}

	if toolName != "" {
		if limit, ok := l.config.ToolLimits[toolName]; ok {
			ts := l.toolState(clientID, toolName)
			l.refill(ts, now)
			if ts.requestCount >= limit {
				retryAfter = 60 - now.Sub(ts.windowStart).Seconds()
				l.logger.Warn("tool rate limit exceeded", "client_id", clientID, "tool", toolName)
				return false, max(retryAfter, 0.1)
			}
		}
	}

	return true, 0
}

// Consume spends one token for clientID. Call only after an allowed Check.
func (l *Limiter) Consume(clientID, toolName string) {
	if !l.config.Enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.clientState(clientID)
	s.tokens--
	s.requestCount++

	if toolName != "" {
		l.toolState(clientID, toolName).requestCount++
	}
}

// Acquire blocks until a token is consumed or the timeout elapses.
// Returns true when a token was consumed.
func (l *Limiter) Acquire(ctx context.Context, clientID, toolName string, timeout time.Duration) bool {
	start := l.now()

	for {
		allowed, retryAfter := l.Check(clientID, toolName)
		if allowed {
			l.Consume(clientID, toolName)
			return true
		}

		if retryAfter <= 0 {
			retryAfter = 0.1
		}
		elapsed := l.now().Sub(start).Seconds()
		if elapsed+retryAfter > timeout.Seconds() {
			return false
		}

		wait := min(retryAfter, timeout.Seconds()-elapsed)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(wait * float64(time.Second))):
		}
	}
}

// Stats returns the current limiter state for a client. A client the
// limiter has never seen reports a full bucket.
func (l *Limiter) Stats(clientID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.clients[clientID]
	if !ok {
		return Stats{Tokens: float64(l.config.BurstCapacity)}
	}

	stats := Stats{Tokens: s.tokens, RequestCount: s.requestCount}
	if s.blockedUntil.After(l.now()) {
		until := s.blockedUntil
		stats.BlockedUntil = &until
	}
	return stats
}

// Reset clears limiter state for one client, or for all clients when
// clientID is empty.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if clientID != "" {
		delete(l.clients, clientID)
		delete(l.toolStates, clientID)
		return
	}
	l.clients = make(map[string]*state)
	l.toolStates = make(map[string]map[string]*state)
}

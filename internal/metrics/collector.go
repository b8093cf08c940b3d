// Package metrics provides in-memory provider call statistics.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Provider operation names.
const (
	OpUpload         = "upload"
	OpPoll           = "poll"
	OpGenerate       = "generate"
	OpGenerateStream = "generate_stream"
	OpDeleteFile     = "delete_file"
)

// Recorder receives one record per provider call.
type Recorder interface {
	RecordCall(op string, attempts int, latency time.Duration, err error)
	AddTokens(model, kind string, n int64)
}

// CallMetrics holds aggregated metrics for a single operation type.
type CallMetrics struct {
	Calls    int64
	Attempts int64
	Failures int64
	Total    time.Duration
	Min      time.Duration
	Max      time.Duration
}

// CallSnapshot provides computed stats from raw metrics.
type CallSnapshot struct {
	Op        string  `json:"op"`
	Calls     int64   `json:"calls"`
	Attempts  int64   `json:"attempts"`
	Failures  int64   `json:"failures"`
	AvgTimeMs float64 `json:"avg_time_ms"`
	MinTimeMs int64   `json:"min_time_ms"`
	MaxTimeMs int64   `json:"max_time_ms"`
}

// TokenSnapshot is the token total of one model and kind.
type TokenSnapshot struct {
	Model  string `json:"model"`
	Kind   string `json:"kind"`
	Tokens int64  `json:"tokens"`
}

// Snapshot represents the collector state at a point in time.
type Snapshot struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Calls         []CallSnapshot  `json:"calls"`
	Tokens        []TokenSnapshot `json:"tokens"`
}

type tokenKey struct {
	model string
	kind  string
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*CallMetrics
	tokens    map[tokenKey]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*CallMetrics),
		tokens:    make(map[tokenKey]int64),
	}
}

// RecordCall records one logical call that took attempts tries.
func (c *Collector) RecordCall(op string, attempts int, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[op]
	if !ok {
		m = &CallMetrics{Min: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	m.Calls++
	m.Attempts += int64(attempts)
	if err != nil {
		m.Failures++
	}
	m.Total += latency
	if latency < m.Min {
		m.Min = latency
	}
	if latency > m.Max {
		m.Max = latency
	}
}

// AddTokens adds n tokens to the process-level counter of model and kind.
func (c *Collector) AddTokens(model, kind string, n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.tokens[tokenKey{model, kind}] += n
	c.mu.Unlock()
}

// Call returns the raw metrics of op, or false if nothing was recorded.
func (c *Collector) Call(op string) (CallMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.ops[op]
	if !ok {
		return CallMetrics{}, false
	}
	return *m, true
}

// Tokens returns the counter of model and kind.
func (c *Collector) Tokens(model, kind string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[tokenKey{model, kind}]
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Calls:         make([]CallSnapshot, 0, len(c.ops)),
		Tokens:        make([]TokenSnapshot, 0, len(c.tokens)),
	}
	for op, m := range c.ops {
		snap.Calls = append(snap.Calls, CallSnapshot{
			Op:        op,
			Calls:     m.Calls,
			Attempts:  m.Attempts,
			Failures:  m.Failures,
			AvgTimeMs: float64(m.Total.Milliseconds()) / float64(m.Calls),
			MinTimeMs: m.Min.Milliseconds(),
			MaxTimeMs: m.Max.Milliseconds(),
		})
	}
	for k, n := range c.tokens {
		snap.Tokens = append(snap.Tokens, TokenSnapshot{Model: k.model, Kind: k.kind, Tokens: n})
	}
	sort.Slice(snap.Calls, func(i, j int) bool { return snap.Calls[i].Op < snap.Calls[j].Op })
	sort.Slice(snap.Tokens, func(i, j int) bool {
		if snap.Tokens[i].Model != snap.Tokens[j].Model {
			return snap.Tokens[i].Model < snap.Tokens[j].Model
		}
		return snap.Tokens[i].Kind < snap.Tokens[j].Kind
	})
	return snap
}

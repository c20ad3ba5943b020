// Package metrics collects inference statistics for the dashboard and for
// Prometheus.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	tpsWindow  = 10 * time.Second
	maxSamples = 1000
)

// Snapshot is a point-in-time view of API metrics, safe to marshal to JSON.
type Snapshot struct {
	TotalRequests   int64            `json:"total_requests"`
	ActiveRequests  int64            `json:"active_requests"`
	FailedRequests  int64            `json:"failed_requests"`
	TokensGenerated int64            `json:"tokens_generated"`
	TokensPerSecond float64          `json:"tokens_per_second"` // rolling 10-second window
	AvgTTFT         float64          `json:"avg_ttft_ms"`       // time to first token
	AvgTPOT         float64          `json:"avg_tpot_ms"`       // time per output token
	TokensByModel   map[string]int64 `json:"tokens_by_model"`
	UptimeSeconds   float64          `json:"uptime_seconds"`
}

// Collector is a thread-safe metrics store. When built with a Prom every
// observation is mirrored to it.
type Collector struct {
	start time.Time
	now   func() time.Time
	prom  *Prom

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failed         atomic.Int64
	tokensTotal    atomic.Int64

	mu          sync.Mutex
	tokenEvents []tokenEvent
	byModel     map[string]int64
	ttftSamples []float64
	tpotSamples []float64
}

type tokenEvent struct {
	at    time.Time
	count int64
}

// NewCollector creates a Collector. prom may be nil.
func NewCollector(prom *Prom) *Collector {
	return &Collector{
		start:   time.Now(),
		now:     time.Now,
		prom:    prom,
		byModel: make(map[string]int64),
	}
}

// Prom returns the Prometheus collectors, or nil.
func (c *Collector) Prom() *Prom { return c.prom }

// RequestStart counts an inference request as active. The returned func ends
// it; failed marks it as an error.
func (c *Collector) RequestStart() func(failed bool) {
	c.totalRequests.Add(1)
	c.activeRequests.Add(1)
	if c.prom != nil {
		c.prom.Active.Inc()
	}
	return func(failed bool) {
		c.activeRequests.Add(-1)
		if failed {
			c.failed.Add(1)
		}
		if c.prom != nil {
			c.prom.Active.Dec()
		}
	}
}

// RecordTokens records n tokens generated by model. Zero latencies are not
// sampled.
func (c *Collector) RecordTokens(model string, n int64, ttftMs, tpotMs float64) {
	c.tokensTotal.Add(n)
	if c.prom != nil {
		c.prom.Tokens.WithLabelValues(model).Add(float64(n))
		if ttftMs > 0 {
			c.prom.TTFT.WithLabelValues(model).Observe(ttftMs / 1000)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.tokenEvents = append(c.tokenEvents, tokenEvent{at: now, count: n})
	c.byModel[model] += n
	if ttftMs > 0 {
		c.ttftSamples = appendCapped(c.ttftSamples, ttftMs)
	}
	if tpotMs > 0 {
		c.tpotSamples = appendCapped(c.tpotSamples, tpotMs)
	}
	c.prune(now)
}

// Snapshot returns current metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Prune on read too so TPS decays to zero once generation stops.
	now := c.now()
	c.prune(now)

	var windowTokens int64
	for _, ev := range c.tokenEvents {
		windowTokens += ev.count
	}
	tps := float64(0)
	if len(c.tokenEvents) > 1 {
		window := c.tokenEvents[len(c.tokenEvents)-1].at.Sub(c.tokenEvents[0].at).Seconds()
		if window > 0 {
			tps = float64(windowTokens) / window
		}
	}

	byModel := make(map[string]int64, len(c.byModel))
	for k, v := range c.byModel {
		byModel[k] = v
	}

	return Snapshot{
		TotalRequests:   c.totalRequests.Load(),
		ActiveRequests:  c.activeRequests.Load(),
		FailedRequests:  c.failed.Load(),
		TokensGenerated: c.tokensTotal.Load(),
		TokensPerSecond: tps,
		AvgTTFT:         average(c.ttftSamples),
		AvgTPOT:         average(c.tpotSamples),
		TokensByModel:   byModel,
		UptimeSeconds:   now.Sub(c.start).Seconds(),
	}
}

func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-tpsWindow)
	i := 0
	for i < len(c.tokenEvents) && c.tokenEvents[i].at.Before(cutoff) {
		i++
	}
	c.tokenEvents = c.tokenEvents[i:]
}

// Tracker times the tokens of one streamed response.
type Tracker struct {
	c     *Collector
	model string
	start time.Time
	prev  time.Time
	count int64
}

// Track starts timing a response from model.
func (c *Collector) Track(model string) *Tracker {
	return &Tracker{c: c, model: model, start: c.now()}
}

// Token records one generated chunk.
func (t *Tracker) Token() {
	now := t.c.now()
	t.count++
	var ttft, tpot float64
	if t.count == 1 {
		ttft = msSince(t.start, now)
	} else {
		tpot = msSince(t.prev, now)
	}
	t.prev = now
	t.c.RecordTokens(t.model, 1, ttft, tpot)
}

// Count returns the number of chunks recorded so far.
func (t *Tracker) Count() int64 { return t.count }

func msSince(from, to time.Time) float64 {
	return float64(to.Sub(from).Microseconds()) / 1000
}

func appendCapped(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > maxSamples {
		s = s[len(s)-maxSamples:]
	}
	return s
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Package metrics aggregates token, message and cost events into totals
// and sliding-window rates, deduplicating by event id so at-least-once
// delivery never double-counts.
package metrics

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxRatePoints caps each rate-sample series.
	DefaultMaxRatePoints = 512
	// DefaultMaxProcessedIDs bounds the dedup set; overflow prunes the
	// oldest half.
	DefaultMaxProcessedIDs = 4096
	// DefaultTickInterval drives rate recalculation independent of event
	// arrival, so displayed freshness survives event bursts and lulls.
	DefaultTickInterval = 2 * time.Second

	rateWindow = 60 * time.Second
	costWindow = time.Hour
)

// TokenStats are cumulative token totals plus per-minute rates.
type TokenStats struct {
	TotalIn  int64   `json:"totalIn"`
	TotalOut int64   `json:"totalOut"`
	RateIn   float64 `json:"rateIn"`
	RateOut  float64 `json:"rateOut"`
}

// MessageStats are cumulative message totals plus per-minute rates.
type MessageStats struct {
	TotalInbound  int64   `json:"totalInbound"`
	TotalOutbound int64   `json:"totalOutbound"`
	RateInbound   float64 `json:"rateInbound"`
	RateOutbound  float64 `json:"rateOutbound"`
}

// CostStats are cumulative spend, trailing-hour spend, and spend by model.
type CostStats struct {
	TotalUSD  float64            `json:"totalUsd"`
	HourlyUSD float64            `json:"hourlyUsd"`
	ByModel   map[string]float64 `json:"byModel"`
}

// ModelStats aggregate per-model usage.
type ModelStats struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// State is a point-in-time copy of the aggregate metrics.
type State struct {
	Tokens     TokenStats            `json:"tokens"`
	Messages   MessageStats          `json:"messages"`
	Cost       CostStats             `json:"cost"`
	ModelUsage map[string]ModelStats `json:"modelUsage"`
}

type sample struct {
	at time.Time
	v  float64
}

type series struct {
	points []sample
	max    int
}

func (s *series) add(at time.Time, v float64) {
	s.points = append(s.points, sample{at: at, v: v})
	if len(s.points) > s.max {
		s.points = s.points[len(s.points)-s.max:]
	}
}

// sum totals the samples inside the trailing window ending at now.
func (s *series) sum(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	total := 0.0
	for _, p := range s.points {
		if p.at.After(cutoff) {
			total += p.v
		}
	}
	return total
}

// Options tunes an Aggregator. Zero fields take package defaults.
type Options struct {
	MaxRatePoints   int
	MaxProcessedIDs int
	TickInterval    time.Duration
}

// Aggregator accumulates metric events. All methods are safe for
// concurrent use.
type Aggregator struct {
	mu sync.Mutex

	tokens   TokenStats
	messages MessageStats
	cost     CostStats
	models   map[string]ModelStats

	tokensIn, tokensOut series
	msgsIn, msgsOut     series
	costSamples         series

	processed    map[string]struct{}
	processedLog []string // insertion order, for oldest-half pruning
	maxProcessed int

	tick time.Duration
	now  func() time.Time
}

// New creates an Aggregator with the given options.
func New(opts Options) *Aggregator {
	if opts.MaxRatePoints <= 0 {
		opts.MaxRatePoints = DefaultMaxRatePoints
	}
	if opts.MaxProcessedIDs <= 0 {
		opts.MaxProcessedIDs = DefaultMaxProcessedIDs
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	a := &Aggregator{
		cost:         CostStats{ByModel: make(map[string]float64)},
		models:       make(map[string]ModelStats),
		processed:    make(map[string]struct{}),
		maxProcessed: opts.MaxProcessedIDs,
		tick:         opts.TickInterval,
		now:          time.Now,
	}
	for _, s := range []*series{&a.tokensIn, &a.tokensOut, &a.msgsIn, &a.msgsOut, &a.costSamples} {
		s.max = opts.MaxRatePoints
	}
	return a
}

// isDuplicate records eventID and reports whether it was already seen.
// Empty ids are never deduplicated. Must be called with mu held.
func (a *Aggregator) isDuplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	if _, seen := a.processed[eventID]; seen {
		return true
	}
	a.processed[eventID] = struct{}{}
	a.processedLog = append(a.processedLog, eventID)
	if len(a.processedLog) > a.maxProcessed {
		drop := a.processedLog[:len(a.processedLog)/2]
		for _, id := range drop {
			delete(a.processed, id)
		}
		a.processedLog = append([]string(nil), a.processedLog[len(drop):]...)
	}
	return false
}

// RecordTokens adds to the token totals and rate samples. A repeated
// eventID is a no-op.
func (a *Aggregator) RecordTokens(in, out int64, eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isDuplicate(eventID) {
		return
	}
	now := a.now()
	a.tokens.TotalIn += in
	a.tokens.TotalOut += out
	if in > 0 {
		a.tokensIn.add(now, float64(in))
	}
	if out > 0 {
		a.tokensOut.add(now, float64(out))
	}
}

// RecordMessage counts one message in the given direction ("inbound" or
// "outbound"). A repeated eventID is a no-op.
func (a *Aggregator) RecordMessage(direction, eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isDuplicate(eventID) {
		return
	}
	now := a.now()
	switch direction {
	case "outbound":
		a.messages.TotalOutbound++
		a.msgsOut.add(now, 1)
	default:
		a.messages.TotalInbound++
		a.msgsIn.add(now, 1)
	}
}

// RecordCost adds spend to the cost totals. A repeated eventID is a no-op.
func (a *Aggregator) RecordCost(costUSD float64, model, eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isDuplicate(eventID) {
		return
	}
	a.addCost(costUSD, model)
}

// RecordModelUsage folds one billed model call into the per-model usage,
// token and cost series. A repeated eventID is a no-op.
func (a *Aggregator) RecordModelUsage(model string, in, out int64, costUSD float64, eventID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isDuplicate(eventID) {
		return
	}
	now := a.now()

	m := a.models[model]
	m.Calls++
	m.TokensIn += in
	m.TokensOut += out
	m.CostUSD += costUSD
	a.models[model] = m

	a.tokens.TotalIn += in
	a.tokens.TotalOut += out
	if in > 0 {
		a.tokensIn.add(now, float64(in))
	}
	if out > 0 {
		a.tokensOut.add(now, float64(out))
	}
	a.addCost(costUSD, model)
}

// addCost must be called with mu held.
func (a *Aggregator) addCost(costUSD float64, model string) {
	if costUSD == 0 {
		return
	}
	a.cost.TotalUSD += costUSD
	if model != "" {
		a.cost.ByModel[model] += costUSD
	}
	a.costSamples.add(a.now(), costUSD)
}

// RecalculateRates recomputes every sliding-window rate as the sum of
// samples in the trailing 60s window, normalized per minute, plus the
// trailing-hour spend.
func (a *Aggregator) RecalculateRates(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	perMinute := rateWindow.Minutes()
	a.tokens.RateIn = a.tokensIn.sum(now, rateWindow) / perMinute
	a.tokens.RateOut = a.tokensOut.sum(now, rateWindow) / perMinute
	a.messages.RateInbound = a.msgsIn.sum(now, rateWindow) / perMinute
	a.messages.RateOutbound = a.msgsOut.sum(now, rateWindow) / perMinute
	a.cost.HourlyUSD = a.costSamples.sum(now, costWindow)
}

// Run recalculates rates on a fixed tick until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			a.RecalculateRates(t)
		}
	}
}

// State returns a deep copy of the aggregate metrics.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := State{
		Tokens:     a.tokens,
		Messages:   a.messages,
		Cost:       CostStats{TotalUSD: a.cost.TotalUSD, HourlyUSD: a.cost.HourlyUSD, ByModel: make(map[string]float64, len(a.cost.ByModel))},
		ModelUsage: make(map[string]ModelStats, len(a.models)),
	}
	for k, v := range a.cost.ByModel {
		st.Cost.ByModel[k] = v
	}
	for k, v := range a.models {
		st.ModelUsage[k] = v
	}
	return st
}

package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"aisiem/pkg/models"
)

// BurstConfig controls burst detection.
type BurstConfig struct {
	// Subtypes that are counted, e.g. login_failure.
	Subtypes  []string
	Window    time.Duration
	Threshold int
	Cooldown  time.Duration
	// MaxKeys bounds the number of host/subtype pairs tracked at once.
	MaxKeys int
}

// BurstEngine raises a detection when one host produces Threshold events of a tracked
// subtype within Window. A key fires at most once per Cooldown.
type BurstEngine struct {
	mu       sync.Mutex
	cfg      BurstConfig
	subtypes map[string]struct{}
	byKey    map[string]*burstState
}

type burstState struct {
	times     []time.Time
	maxSev    []int
	lastFired time.Time
	lastSeen  time.Time
}

// NewBurstEngine creates a burst engine.
func NewBurstEngine(cfg BurstConfig) *BurstEngine {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if len(cfg.Subtypes) == 0 {
		cfg.Subtypes = []string{"login_failure"}
	}
	subtypes := make(map[string]struct{}, len(cfg.Subtypes))
	for _, s := range cfg.Subtypes {
		if s = strings.TrimSpace(s); s != "" {
			subtypes[s] = struct{}{}
		}
	}
	return &BurstEngine{
		cfg:      cfg,
		subtypes: subtypes,
		byKey:    make(map[string]*burstState),
	}
}

// Subtypes returns the tracked event subtypes.
func (b *BurstEngine) Subtypes() []string {
	return b.cfg.Subtypes
}

// Evaluate implements Engine.
func (b *BurstEngine) Evaluate(event *models.NormalizedEvent) []*models.Detection {
	if event == nil || event.Host == "" {
		return nil
	}
	if _, ok := b.subtypes[event.Subtype]; !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := event.Host + "|" + event.Subtype
	state := b.byKey[key]
	if state == nil {
		if len(b.byKey) >= b.cfg.MaxKeys {
			b.evictIdle(event.Timestamp)
		}
		state = &burstState{}
		b.byKey[key] = state
	}

	state.times = append(state.times, event.Timestamp)
	state.maxSev = append(state.maxSev, event.Severity)
	if event.Timestamp.After(state.lastSeen) {
		state.lastSeen = event.Timestamp
	}
	b.prune(state, state.lastSeen)

	if len(state.times) < b.cfg.Threshold {
		return nil
	}
	if !state.lastFired.IsZero() && event.Timestamp.Sub(state.lastFired) < b.cfg.Cooldown {
		return nil
	}
	state.lastFired = event.Timestamp

	severity := 0
	for _, s := range state.maxSev {
		if s > severity {
			severity = s
		}
	}
	// Events may arrive out of order, so the window opens at the earliest one.
	start := state.times[0]
	for _, ts := range state.times[1:] {
		if ts.Before(start) {
			start = ts
		}
	}
	count := len(state.times)
	ruleID := "builtin.burst." + event.Subtype
	title := fmt.Sprintf("%d %s events on %s within %s", count, strings.ReplaceAll(event.Subtype, "_", " "), event.Host, b.cfg.Window)
	return []*models.Detection{newDetection(event, ruleID, title, severity+2, map[string]interface{}{
		"burst_count":  count,
		"window_start": start.UTC().Format(time.RFC3339),
	})}
}

// prune drops entries older than the window ending at now.
func (b *BurstEngine) prune(state *burstState, now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := state.times[:0]
	sev := state.maxSev[:0]
	for i, ts := range state.times {
		if ts.Before(cutoff) {
			continue
		}
		kept = append(kept, ts)
		sev = append(sev, state.maxSev[i])
	}
	state.times = kept
	state.maxSev = sev
}

// evictIdle forgets keys without activity inside the window, or every key when all are
// active.
func (b *BurstEngine) evictIdle(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	for k, st := range b.byKey {
		if st.lastSeen.Before(cutoff) {
			delete(b.byKey, k)
		}
	}
	if len(b.byKey) >= b.cfg.MaxKeys {
		b.byKey = make(map[string]*burstState)
	}
}

// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit tracks per-credential request quotas over sliding
// windows and hands out optimistic reservations to the dispatcher.
// The windows are exact: every request is a timestamped event, purged
// as it ages out rather than reset at interval boundaries.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"researchmesh/core/credentials"
	"researchmesh/core/shared/logger"
)

// Granularity names one sliding-window size.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

var granularities = []Granularity{GranularityMinute, GranularityHour, GranularityDay}

func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Decision is the outcome of a reservation attempt. When denied,
// RetryAfter is the time until enough events age out of the binding
// window for the same request to succeed.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Granularity Granularity   `json:"granularity,omitempty"`
}

// Limiter is the quota tracker the dispatcher reserves through.
// Implementations serialize operations per credential.
type Limiter interface {
	// CheckAndReserve reserves cost request units against every window
	// the credential limits. Nothing is consumed on denial.
	CheckAndReserve(ctx context.Context, cred *credentials.Credential, cost int) (Decision, error)

	// Release refunds a reservation whose dispatch failed before any
	// provider-side consumption happened.
	Release(ctx context.Context, credID uuid.UUID, cost int) error

	// RecordUsage reconciles a reservation with the observed consumption.
	RecordUsage(ctx context.Context, credID uuid.UUID, reserved, observed int) error

	// Headroom returns the unused fraction of the tightest limited
	// window, in [0, 1]. Unlimited credentials report 1.
	Headroom(ctx context.Context, cred *credentials.Credential) (float64, error)
}

// AlertLevel classifies a utilization alert.
type AlertLevel string

const (
	AlertWarning   AlertLevel = "warning"
	AlertEmergency AlertLevel = "emergency"
)

// Alert records a credential crossing a utilization threshold.
type Alert struct {
	CredentialID uuid.UUID   `json:"credential_id"`
	Provider     string      `json:"provider"`
	Granularity  Granularity `json:"granularity"`
	Level        AlertLevel  `json:"level"`
	Utilization  float64     `json:"utilization"`
	At           time.Time   `json:"at"`
}

// Thresholds holds the utilization fractions that trigger alerts.
type Thresholds struct {
	Warning   float64
	Emergency float64
}

// DefaultThresholds mirror the platform's operational defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.80, Emergency: 0.95}
}

const maxRetainedAlerts = 100

type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

func (l *alertLog) add(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, a)
	if len(l.alerts) > maxRetainedAlerts {
		l.alerts = l.alerts[len(l.alerts)-maxRetainedAlerts:]
	}
}

func (l *alertLog) snapshot() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

// MemoryLimiter is the single-process Limiter. Each credential owns a
// mutex-guarded event list, so concurrent reservations against the same
// credential serialize while different credentials proceed in parallel.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*credWindow

	thresholds Thresholds
	alerts     alertLog
	log        *logger.Logger
	now        func() time.Time
}

type credWindow struct {
	mu     sync.Mutex
	events []time.Time
}

// NewMemoryLimiter creates an in-memory limiter with default thresholds.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries:    make(map[uuid.UUID]*credWindow),
		thresholds: DefaultThresholds(),
		log:        logger.New("rate-limiter"),
		now:        time.Now,
	}
}

func (l *MemoryLimiter) entry(id uuid.UUID) *credWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.entries[id]
	if !ok {
		w = &credWindow{}
		l.entries[id] = w
	}
	return w
}

func limitFor(limits credentials.Limits, g Granularity) *int {
	switch g {
	case GranularityMinute:
		return limits.PerMinute
	case GranularityHour:
		return limits.PerHour
	default:
		return limits.PerDay
	}
}

// countSince assumes events is sorted ascending.
func countSince(events []time.Time, cutoff time.Time) int {
	for i, ts := range events {
		if ts.After(cutoff) {
			return len(events) - i
		}
	}
	return 0
}

func (l *MemoryLimiter) CheckAndReserve(_ context.Context, cred *credentials.Credential, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	w := l.entry(cred.ID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.purge(now)

	// Evaluate every limited window before consuming anything.
	denied := Decision{Allowed: true}
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil {
			continue
		}
		cutoff := now.Add(-g.Duration())
		count := countSince(w.events, cutoff)
		if count+cost <= *limit {
			continue
		}

		retryAfter := w.retryAfter(now, g, count+cost-*limit)
		if !denied.Allowed && retryAfter <= denied.RetryAfter {
			continue
		}
		denied = Decision{Allowed: false, RetryAfter: retryAfter, Granularity: g}
	}
	if !denied.Allowed {
		return denied, nil
	}

	for i := 0; i < cost; i++ {
		w.events = append(w.events, now)
	}
	l.checkThresholds(cred, w.events, now)
	return Decision{Allowed: true}, nil
}

// retryAfter computes how long until `needed` events age out of the
// window, assuming sorted events.
func (w *credWindow) retryAfter(now time.Time, g Granularity, needed int) time.Duration {
	cutoff := now.Add(-g.Duration())
	inWindow := make([]time.Time, 0, len(w.events))
	for _, ts := range w.events {
		if ts.After(cutoff) {
			inWindow = append(inWindow, ts)
		}
	}
	if needed <= 0 || len(inWindow) == 0 {
		return 0
	}
	if needed > len(inWindow) {
		needed = len(inWindow)
	}
	return inWindow[needed-1].Add(g.Duration()).Sub(now)
}

func (w *credWindow) purge(now time.Time) {
	cutoff := now.Add(-GranularityDay.Duration())
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (l *MemoryLimiter) checkThresholds(cred *credentials.Credential, events []time.Time, now time.Time) {
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil || *limit == 0 {
			continue
		}
		utilization := float64(countSince(events, now.Add(-g.Duration()))) / float64(*limit)

		var level AlertLevel
		switch {
		case utilization >= l.thresholds.Emergency:
			level = AlertEmergency
		case utilization >= l.thresholds.Warning:
			level = AlertWarning
		default:
			continue
		}

		l.alerts.add(Alert{
			CredentialID: cred.ID,
			Provider:     cred.Provider,
			Granularity:  g,
			Level:        level,
			Utilization:  utilization,
			At:           now,
		})
		l.log.Warn("", "", "Quota utilization threshold crossed", map[string]interface{}{
			"credential_id": cred.ID.String(),
			"provider":      cred.Provider,
			"granularity":   string(g),
			"level":         string(level),
			"utilization":   utilization,
		})
	}
}

func (l *MemoryLimiter) Release(_ context.Context, credID uuid.UUID, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	w := l.entry(credID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if cost > len(w.events) {
		cost = len(w.events)
	}
	w.events = w.events[:len(w.events)-cost]
	return nil
}

func (l *MemoryLimiter) RecordUsage(_ context.Context, credID uuid.UUID, reserved, observed int) error {
	delta := observed - reserved
	if delta == 0 {
		return nil
	}
	w := l.entry(credID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if delta > 0 {
		now := l.now()
		for i := 0; i < delta; i++ {
			w.events = append(w.events, now)
		}
		return nil
	}
	remove := -delta
	if remove > len(w.events) {
		remove = len(w.events)
	}
	w.events = w.events[:len(w.events)-remove]
	return nil
}

func (l *MemoryLimiter) Headroom(_ context.Context, cred *credentials.Credential) (float64, error) {
	w := l.entry(cred.ID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.purge(now)

	headroom := 1.0
	limited := false
	for _, g := range granularities {
		limit := limitFor(cred.Limits, g)
		if limit == nil || *limit == 0 {
			continue
		}
		limited = true
		count := countSince(w.events, now.Add(-g.Duration()))
		free := float64(*limit-count) / float64(*limit)
		if free < headroom {
			headroom = free
		}
	}
	if !limited {
		return 1.0, nil
	}
	if headroom < 0 {
		headroom = 0
	}
	return headroom, nil
}

// Alerts returns the retained threshold alerts, oldest first.
func (l *MemoryLimiter) Alerts() []Alert {
	return l.alerts.snapshot()
}

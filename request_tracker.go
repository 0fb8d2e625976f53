// request_tracker.go: in-flight call tracking, per-session cancellation and graceful draining
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RequestTracker counts calls in flight per session so a session's work can
// be cancelled when it disconnects and the server can drain on shutdown.
type RequestTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionRequests
	total    atomic.Int64

	metrics MetricsCollector
}

type sessionRequests struct {
	active  int64
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

// NewRequestTracker creates a tracker. collector may be nil.
func NewRequestTracker(collector MetricsCollector) *RequestTracker {
	if collector == nil {
		collector = NoOpMetricsCollector{}
	}
	return &RequestTracker{
		sessions: make(map[string]*sessionRequests),
		metrics:  collector,
	}
}

// StartRequest registers a call for sessionID and returns a context that is
// cancelled by CancelSession, together with the function that ends the call.
func (rt *RequestTracker) StartRequest(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	rt.mu.Lock()
	sr, ok := rt.sessions[sessionID]
	if !ok {
		sr = &sessionRequests{cancels: make(map[uint64]context.CancelFunc)}
		rt.sessions[sessionID] = sr
	}
	sr.nextID++
	id := sr.nextID
	sr.cancels[id] = cancel
	sr.active++
	rt.mu.Unlock()

	total := rt.total.Add(1)
	rt.metrics.SetGauge(MetricInflightCalls, nil, float64(total))

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel()
			rt.mu.Lock()
			if sr, ok := rt.sessions[sessionID]; ok {
				if _, present := sr.cancels[id]; present {
					delete(sr.cancels, id)
					sr.active--
				}
				if sr.active == 0 {
					delete(rt.sessions, sessionID)
				}
			}
			rt.mu.Unlock()
			total := rt.total.Add(-1)
			rt.metrics.SetGauge(MetricInflightCalls, nil, float64(total))
		})
	}
}

// ActiveRequests returns the number of calls in flight for sessionID.
func (rt *RequestTracker) ActiveRequests(sessionID string) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if sr, ok := rt.sessions[sessionID]; ok {
		return sr.active
	}
	return 0
}

// TotalActive returns the number of calls in flight across all sessions.
func (rt *RequestTracker) TotalActive() int64 {
	return rt.total.Load()
}

// CancelSession cancels every call in flight for sessionID and returns how
// many were cancelled. Other sessions are unaffected.
func (rt *RequestTracker) CancelSession(sessionID string) int {
	rt.mu.Lock()
	sr, ok := rt.sessions[sessionID]
	var cancels []context.CancelFunc
	if ok {
		cancels = make([]context.CancelFunc, 0, len(sr.cancels))
		for _, cancel := range sr.cancels {
			cancels = append(cancels, cancel)
		}
	}
	rt.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Drain waits until no calls are in flight or ctx is done.
func (rt *RequestTracker) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if rt.total.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package ratelimit provides sliding window rate limiting for the Reelay
// gateway.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks request timestamps within the window for one client.
type bucket struct {
	mu         sync.RWMutex
	timestamps []time.Time
	lastAccess time.Time
}

// SlidingWindow counts requests per identifier over a rolling window.
type SlidingWindow struct {
	buckets   sync.Map // identifier -> *bucket
	windowDur time.Duration
	limit     int

	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	cleanupWG   sync.WaitGroup
}

// NewSlidingWindow creates a limiter allowing limit requests per
// windowDuration. Idle buckets are reaped every cleanupInterval.
func NewSlidingWindow(windowDuration time.Duration, limit int, cleanupInterval time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		windowDur:   windowDuration,
		limit:       limit,
		cleanupTick: time.NewTicker(cleanupInterval),
		stopCleanup: make(chan struct{}),
	}
	sw.cleanupWG.Add(1)
	go sw.cleanupLoop()
	return sw
}

// Allow records a request for the identifier if it fits in the window.
// Returns (allowed, remaining, resetTime, retryAfterSeconds).
func (sw *SlidingWindow) Allow(identifier string) (bool, int, time.Time, int) {
	now := time.Now()

	v, _ := sw.buckets.LoadOrStore(identifier, &bucket{lastAccess: now})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = now
	b.timestamps = pruneBefore(b.timestamps, now.Add(-sw.windowDur))

	if len(b.timestamps) >= sw.limit {
		resetTime := b.timestamps[0].Add(sw.windowDur)
		retryAfter := int(time.Until(resetTime).Seconds())
		if retryAfter <= 0 {
			retryAfter = 1
		}
		return false, 0, resetTime, retryAfter
	}

	b.timestamps = append(b.timestamps, now)
	resetTime := b.timestamps[0].Add(sw.windowDur)
	return true, sw.limit - len(b.timestamps), resetTime, 0
}

// pruneBefore drops timestamps at or before the cutoff, copying so the
// backing array does not pin expired entries.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	keep := 0
	for keep < len(ts) && !ts[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-keep)
	copy(out, ts[keep:])
	return out
}

func (sw *SlidingWindow) cleanupLoop() {
	defer sw.cleanupWG.Done()
	for {
		select {
		case <-sw.cleanupTick.C:
			sw.reapIdleBuckets()
		case <-sw.stopCleanup:
			return
		}
	}
}

// reapIdleBuckets drops buckets untouched for two full windows.
func (sw *SlidingWindow) reapIdleBuckets() {
	cutoff := time.Now().Add(-2 * sw.windowDur)

	var stale []string
	sw.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.RLock()
		last := b.lastAccess
		b.mu.RUnlock()
		if last.Before(cutoff) {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, key := range stale {
		sw.buckets.Delete(key)
	}
}

// Stop halts the cleanup goroutine. The limiter must not be used afterwards.
func (sw *SlidingWindow) Stop() {
	sw.cleanupTick.Stop()
	close(sw.stopCleanup)
	sw.cleanupWG.Wait()
}

// Stats describes the limiter's current occupancy.
type Stats struct {
	ActiveBuckets   int
	TotalTimestamps int
	WindowDuration  time.Duration
	Limit           int
}

// GetStats returns current statistics about the rate limiter
func (sw *SlidingWindow) GetStats() Stats {
	stats := Stats{WindowDuration: sw.windowDur, Limit: sw.limit}
	sw.buckets.Range(func(_, value interface{}) bool {
		b := value.(*bucket)
		b.mu.RLock()
		stats.TotalTimestamps += len(b.timestamps)
		b.mu.RUnlock()
		stats.ActiveBuckets++
		return true
	})
	return stats
}

package apitools

import (
	"sync"
	"time"
)

// RateLimitRecord tracks one (tool, client) pair inside the limiter.
type RateLimitRecord struct {
	Count          int       `json:"count"`
	WindowStart    time.Time `json:"windowStart"`
	LastRequest    time.Time `json:"lastRequest"`
	ViolationCount int       `json:"violationCount"`
	LastViolation  time.Time `json:"lastViolation"`
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Suspicious bool
	Remaining  int
	RetryAfter time.Duration
	Violations int
}

const (
	// DefaultSuspicionThreshold is how many violations inside the detection
	// window escalate to a SUSPICIOUS_ACTIVITY event.
	DefaultSuspicionThreshold = 5
	// DefaultDetectionWindow bounds how long violations accumulate.
	DefaultDetectionWindow = 5 * time.Minute
)

// Limiter enforces sliding-window rate limits keyed by (tool, client) and
// counts violations for suspicious-activity detection.
type Limiter struct {
	mu                 sync.Mutex
	records            map[string]*RateLimitRecord
	suspicionThreshold int
	detectionWindow    time.Duration
	now                func() time.Time
}

// NewLimiter creates a limiter with default detection settings.
func NewLimiter() *Limiter {
	return &Limiter{
		records:            make(map[string]*RateLimitRecord),
		suspicionThreshold: DefaultSuspicionThreshold,
		detectionWindow:    DefaultDetectionWindow,
		now:                time.Now,
	}
}

func limiterKey(toolID, clientID string) string {
	return toolID + "|" + clientID
}

// Check consumes one slot for (toolID, clientID) under spec. A full window
// denies the call and records a violation; repeated violations inside the
// detection window raise the Suspicious flag.
func (l *Limiter) Check(toolID, clientID string, spec RateLimitSpec) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := limiterKey(toolID, clientID)
	rec, ok := l.records[key]
	if !ok {
		rec = &RateLimitRecord{WindowStart: now}
		l.records[key] = rec
	}

	window := time.Duration(spec.WindowSeconds) * time.Second
	if now.Sub(rec.WindowStart) >= window {
		rec.Count = 0
		rec.WindowStart = now
	}
	if rec.ViolationCount > 0 && now.Sub(rec.LastViolation) >= l.detectionWindow {
		rec.ViolationCount = 0
	}

	if rec.Count >= spec.MaxRequests {
		rec.ViolationCount++
		rec.LastViolation = now
		return Decision{
			Allowed:    false,
			Suspicious: rec.ViolationCount >= l.suspicionThreshold,
			RetryAfter: rec.WindowStart.Add(window).Sub(now),
			Violations: rec.ViolationCount,
		}
	}

	rec.Count++
	rec.LastRequest = now
	return Decision{Allowed: true, Remaining: spec.MaxRequests - rec.Count}
}

// Record returns a copy of the record for (toolID, clientID), if any.
func (l *Limiter) Record(toolID, clientID string) (RateLimitRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[limiterKey(toolID, clientID)]
	if !ok {
		return RateLimitRecord{}, false
	}
	return *rec, true
}

// Prune drops records idle for longer than olderThan and returns how many
// were removed.
func (l *Limiter) Prune(olderThan time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-olderThan)
	removed := 0
	for key, rec := range l.records {
		last := rec.LastRequest
		if rec.LastViolation.After(last) {
			last = rec.LastViolation
		}
		if last.Before(cutoff) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

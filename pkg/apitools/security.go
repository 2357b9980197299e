package apitools

import (
	"strings"
	"sync"
	"time"

	"mcphub/internal/logging"
)

// EventType classifies a security event.
type EventType string

const (
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventAuthFailure        EventType = "AUTH_FAILURE"
	EventHighErrorRate      EventType = "HIGH_ERROR_RATE"
)

// Event is one security occurrence worth surfacing to operators.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	ToolID    string         `json:"toolId"`
	ClientID  string         `json:"clientId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// CallRecord is the audit entry written for every API tool call. Parameters
// and response are stored redacted.
type CallRecord struct {
	ToolID     string        `json:"toolId"`
	ClientID   string        `json:"clientId,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Parameters any           `json:"parameters,omitempty"`
	Response   any           `json:"response,omitempty"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// AlertRules tunes when the audit log escalates patterns into events.
type AlertRules struct {
	ErrorRateWindow         time.Duration
	ErrorRateThreshold      float64
	ErrorRateMinCalls       int
	ConsecutiveAuthFailures int
}

// DefaultAlertRules returns the rules used when none are configured.
func DefaultAlertRules() AlertRules {
	return AlertRules{
		ErrorRateWindow:         time.Minute,
		ErrorRateThreshold:      0.5,
		ErrorRateMinCalls:       10,
		ConsecutiveAuthFailures: 3,
	}
}

const (
	maxAuditRecords = 1000
	maxAuditEvents  = 500
)

// AuditLog keeps recent call records and security events in memory and
// applies the alerting rules.
type AuditLog struct {
	mu        sync.Mutex
	calls     []CallRecord
	events    []Event
	rules     AlertRules
	authFails map[string]int
	now       func() time.Time
	log       *logging.Component
}

// NewAuditLog creates an audit log with the given rules.
func NewAuditLog(rules AlertRules) *AuditLog {
	if rules.ErrorRateWindow <= 0 {
		rules = DefaultAlertRules()
	}
	return &AuditLog{
		rules:     rules,
		authFails: make(map[string]int),
		now:       time.Now,
		log:       logging.Named("api-security"),
	}
}

// RecordCall appends a call record and evaluates alert rules against the
// updated history.
func (a *AuditLog) RecordCall(rec CallRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	a.calls = append(a.calls, rec)
	if len(a.calls) > maxAuditRecords {
		a.calls = a.calls[len(a.calls)-maxAuditRecords:]
	}

	a.checkAuthFailures(rec)
	a.checkErrorRate(rec)
}

// Emit appends an externally detected event (rate limiting lives in the
// limiter, not here).
func (a *AuditLog) Emit(event Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.append(event)
}

func (a *AuditLog) append(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	a.events = append(a.events, event)
	if len(a.events) > maxAuditEvents {
		a.events = a.events[len(a.events)-maxAuditEvents:]
	}
	a.log.Warn("security event %s tool=%s client=%s", event.Type, event.ToolID, event.ClientID)
}

func (a *AuditLog) checkAuthFailures(rec CallRecord) {
	key := rec.ToolID + "|" + rec.ClientID
	if rec.Success || !isAuthError(rec.Error) {
		if rec.Success {
			delete(a.authFails, key)
		}
		return
	}

	a.authFails[key]++
	if a.authFails[key] == a.rules.ConsecutiveAuthFailures {
		a.append(Event{
			Type:     EventAuthFailure,
			Severity: SeverityHigh,
			ToolID:   rec.ToolID,
			ClientID: rec.ClientID,
			Details:  map[string]any{"consecutiveFailures": a.authFails[key]},
		})
	}
}

func isAuthError(msg string) bool {
	return strings.Contains(msg, string(EventAuthFailure)) ||
		strings.Contains(msg, "AuthFailed") ||
		strings.Contains(msg, "Forbidden")
}

func (a *AuditLog) checkErrorRate(rec CallRecord) {
	cutoff := a.now().Add(-a.rules.ErrorRateWindow)
	total, failed := 0, 0
	for i := len(a.calls) - 1; i >= 0; i-- {
		call := a.calls[i]
		if call.Timestamp.Before(cutoff) {
			break
		}
		if call.ToolID != rec.ToolID {
			continue
		}
		total++
		if !call.Success {
			failed++
		}
	}

	if total < a.rules.ErrorRateMinCalls {
		return
	}
	rate := float64(failed) / float64(total)
	if rate < a.rules.ErrorRateThreshold {
		return
	}
	// Only alert once per window edge: skip if the latest event already
	// covers this tool within the window.
	for i := len(a.events) - 1; i >= 0; i-- {
		e := a.events[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.Type == EventHighErrorRate && e.ToolID == rec.ToolID {
			return
		}
	}
	a.append(Event{
		Type:     EventHighErrorRate,
		Severity: SeverityHigh,
		ToolID:   rec.ToolID,
		Details:  map[string]any{"errorRate": rate, "calls": total},
	})
}

// Events returns up to limit most recent events, newest last.
func (a *AuditLog) Events(limit int) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.events) {
		limit = len(a.events)
	}
	out := make([]Event, limit)
	copy(out, a.events[len(a.events)-limit:])
	return out
}

// Calls returns up to limit most recent call records, newest last.
func (a *AuditLog) Calls(limit int) []CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.calls) {
		limit = len(a.calls)
	}
	out := make([]CallRecord, limit)
	copy(out, a.calls[len(a.calls)-limit:])
	return out
}

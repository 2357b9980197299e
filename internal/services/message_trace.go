package services

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"mcphub/pkg/apitools"
	"mcphub/pkg/models"
)

const traceRingCapacity = 1000

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newTraceID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}

// MessageTrace keeps the last MCP messages the hub exchanged with its
// servers, in a fixed-size ring. Payloads are redacted before they enter
// the ring, so nothing sensitive is ever retained.
type MessageTrace struct {
	mu      sync.Mutex
	entries []models.TraceEntry
	next    int
	full    bool

	now func() time.Time
}

// NewMessageTrace creates an empty trace ring.
func NewMessageTrace() *MessageTrace {
	return &MessageTrace{
		entries: make([]models.TraceEntry, traceRingCapacity),
		now:     time.Now,
	}
}

// Record appends one message to the ring, evicting the oldest when full.
// Safe for concurrent use from every connection's tracker.
func (t *MessageTrace) Record(serverID string, direction models.TraceDirection, method string, payload any) {
	ts := t.now().UTC()
	entry := models.TraceEntry{
		ID:        newTraceID(ts),
		Timestamp: ts,
		ServerID:  serverID,
		Direction: direction,
		Method:    method,
		Payload:   apitools.Redact(payload, nil),
	}

	t.mu.Lock()
	t.entries[t.next] = entry
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Recent returns up to limit entries, newest first. limit <= 0 means all.
func (t *MessageTrace) Recent(limit int) []models.TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.full {
		size = len(t.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]models.TraceEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + len(t.entries)) % len(t.entries)
		out = append(out, t.entries[idx])
	}
	return out
}

// Len reports how many entries the ring currently holds.
func (t *MessageTrace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.entries)
	}
	return t.next
}

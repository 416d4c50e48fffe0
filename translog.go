package keysync

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// translogEntry is one row of the transparency log: a record of a
// completed admission decision, never the secret material or attestation
// bytes involved in it (spec.md §6, "Logs MUST NOT contain any plaintext
// or any envelope bytes beyond digests").
type translogEntry struct {
	Time        time.Time
	Role        Role
	CodeMeasure string
	InstMeasure string
	Outcome     string // "installed" | "completed" | "aborted:<kind>"
}

// transparencyLog is a size-bounded, append-only, thread-safe record of
// admission decisions, exposed read-only over the HTTP control surface.
// The teacher shipped a transparencyLogHandler against an interface value
// it never implemented (handlers.go's transparencyLog parameter was a
// stub); this gives that interface a concrete body.
type transparencyLog struct {
	mu      sync.Mutex
	entries []translogEntry
	max     int
}

// newTransparencyLog constructs a log that retains at most max entries,
// dropping the oldest once full.
func newTransparencyLog(max int) *transparencyLog {
	if max <= 0 {
		max = 1000
	}
	return &transparencyLog{max: max}
}

func (t *transparencyLog) record(e translogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, e)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
}

// recordFromSession appends an entry derived from a verified attestation
// and the session's outcome.
func (t *transparencyLog) recordFromSession(role Role, va *VerifiedAttestation, outcome string) {
	entry := translogEntry{Time: time.Now(), Role: role, Outcome: outcome}
	if va != nil {
		entry.CodeMeasure = va.Measurements.CodeString()
		entry.InstMeasure = va.Measurements.InstanceString()
	}
	t.record(entry)
}

// String renders the log in the human-readable form the teacher's
// transparencyLogHandler printed directly to the HTTP response.
func (t *transparencyLog) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, e := range t.entries {
		fmt.Fprintf(&b, "%s role=%s outcome=%s code=%s instance=%s\n",
			e.Time.Format(time.RFC3339), e.Role, e.Outcome, e.CodeMeasure, e.InstMeasure)
	}
	return b.String()
}

package envelope

import (
	"sync"

	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

// AuditSink receives every entry after it is appended in memory.
type AuditSink interface {
	Write(entry models.AuditEntry) error
}

// AuditLog is append-only. Readers only ever see copies.
type AuditLog struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	sinks   []AuditSink
	onError func(error)
}

func NewAuditLog(sinks ...AuditSink) *AuditLog {
	return &AuditLog{sinks: sinks}
}

func (a *AuditLog) Append(entry models.AuditEntry) {
	entry.Context = copyContext(entry.Context)

	// Sinks are written under the lock so their order matches Snapshot.
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	for _, s := range a.sinks {
		if err := s.Write(entry); err != nil && a.onError != nil {
			a.onError(err)
		}
	}
}

func (a *AuditLog) Snapshot() []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditEntry, len(a.entries))
	for i, e := range a.entries {
		e.Context = copyContext(e.Context)
		out[i] = e
	}
	return out
}

func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// CountBySource tallies attempts per source and status.
func (a *AuditLog) CountBySource() map[string]map[models.AuditStatus]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[models.AuditStatus]int)
	for _, e := range a.entries {
		if out[e.Source] == nil {
			out[e.Source] = make(map[models.AuditStatus]int)
		}
		out[e.Source][e.Status]++
	}
	return out
}

func copyContext(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

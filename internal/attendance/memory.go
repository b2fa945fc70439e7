package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-process LogStore for replay and tests.
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	// FailAppend, when set, is returned by Append instead of writing.
	FailAppend error
	// FailRead, when set, is returned by Exists and Latest.
	FailRead error
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func contains(statuses []Status, s Status) bool {
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}

// Exists implements LogStore.
func (m *MemoryLog) Exists(_ context.Context, sessionID, date string, statuses []Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRead != nil {
		return false, m.FailRead
	}
	for _, r := range m.records {
		if r.SessionID == sessionID && r.Date == date && contains(statuses, r.Status) {
			return true, nil
		}
	}
	return false, nil
}

// Latest implements LogStore.
func (m *MemoryLog) Latest(_ context.Context, sessionID, date string, statuses []Status) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRead != nil {
		return nil, m.FailRead
	}
	var latest *Record
	for i := range m.records {
		r := m.records[i]
		if r.SessionID != sessionID || r.Date != date || !contains(statuses, r.Status) {
			continue
		}
		if latest == nil || !r.Timestamp.Before(latest.Timestamp) {
			cp := r
			latest = &cp
		}
	}
	return latest, nil
}

// Append implements LogStore.
func (m *MemoryLog) Append(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return Record{}, m.FailAppend
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, rec)
	return rec, nil
}

// List implements LogStore.
func (m *MemoryLog) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.PersonID != "" && r.PersonID != f.PersonID {
			continue
		}
		if f.Date != "" && r.Date != f.Date {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit, offset := normalizePage(f.Limit, f.Offset)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every record in append order.
func (m *MemoryLog) All() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// SetFailures sets or clears injected failures.
func (m *MemoryLog) SetFailures(appendErr, readErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailAppend = appendErr
	m.FailRead = readErr
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

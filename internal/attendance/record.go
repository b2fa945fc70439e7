package attendance

import (
	"context"
	"time"
)

// Status is the kind of an attendance record.
type Status string

const (
	StatusPresent       Status = "present"
	StatusLate          Status = "late"
	StatusLeftEarly     Status = "left-early"
	StatusReturned      Status = "returned"
	StatusScheduleEnded Status = "schedule-ended"
)

var (
	// ArrivalStatuses share one dedup bucket: either one means attendance is logged.
	ArrivalStatuses = []Status{StatusPresent, StatusLate}
	// EndStatuses is the schedule-ended bucket.
	EndStatuses = []Status{StatusScheduleEnded}
	// TransitionStatuses are repeatable and not gated by existence.
	TransitionStatuses = []Status{StatusLeftEarly, StatusReturned}
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusLeftEarly, StatusReturned, StatusScheduleEnded:
		return true
	}
	return false
}

// Record is an append-only attendance log entry.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PersonID  string    `json:"person_id"`
	Room      string    `json:"room"`
	Date      string    `json:"date"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Course    string    `json:"course"`
	College   string    `json:"college"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Filter narrows a record listing.
type Filter struct {
	SessionID string
	PersonID  string
	Date      string
	Status    Status
	Limit     int
	Offset    int
}

// LogStore is the append-only attendance sink.
type LogStore interface {
	// Exists reports whether a record with one of statuses exists for the meeting.
	Exists(ctx context.Context, sessionID, date string, statuses []Status) (bool, error)
	// Latest returns the most recent record with one of statuses, or nil.
	Latest(ctx context.Context, sessionID, date string, statuses []Status) (*Record, error)
	// Append writes rec unconditionally.
	Append(ctx context.Context, rec Record) (Record, error)
	// List returns records newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}

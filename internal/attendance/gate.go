package attendance

import (
	"context"
	"fmt"
)

// Gate suppresses duplicate arrival and end records. Arrival is a one-time
// fact per meeting; departures and returns repeat and pass untouched.
type Gate struct {
	store LogStore
}

// NewGate creates a gate over store.
func NewGate(store LogStore) *Gate {
	return &Gate{store: store}
}

// Bucket returns the statuses that satisfy the same dedup check as status,
// or nil when status is not deduplicated.
func Bucket(status Status) []Status {
	switch status {
	case StatusPresent, StatusLate:
		return ArrivalStatuses
	case StatusScheduleEnded:
		return EndStatuses
	default:
		return nil
	}
}

// ShouldEmit reports whether a record of status may be appended for the meeting.
func (g *Gate) ShouldEmit(ctx context.Context, sessionID, date string, status Status) (bool, error) {
	bucket := Bucket(status)
	if bucket == nil {
		return true, nil
	}
	exists, err := g.store.Exists(ctx, sessionID, date, bucket)
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", status, err)
	}
	return !exists, nil
}

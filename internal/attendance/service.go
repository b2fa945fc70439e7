package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeviceRegistry persists camera devices.
type DeviceRegistry interface {
	RegisterDevice(ctx context.Context, deviceID, room string) error
}

// Service backs the HTTP surface: device registration and log queries.
type Service struct {
	logs    LogStore
	devices DeviceRegistry
	rooms   map[string]bool
}

// maxPage caps a single log listing.
const maxPage = 500

// ErrInvalidFilter marks a log query the service refuses.
var ErrInvalidFilter = errors.New("invalid log filter")

// NewService creates a service accepting devices for the given rooms.
func NewService(logs LogStore, devices DeviceRegistry, rooms []string) *Service {
	set := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		set[r] = true
	}
	return &Service{logs: logs, devices: devices, rooms: set}
}

// KnownRoom reports whether room is served by this deployment.
func (s *Service) KnownRoom(room string) bool {
	return s.rooms[room]
}

// RegisterDevice validates and persists a camera bound to room.
func (s *Service) RegisterDevice(ctx context.Context, deviceID, room string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	if !s.KnownRoom(room) {
		return fmt.Errorf("unknown room %q", room)
	}
	if s.devices == nil {
		return nil
	}
	return s.devices.RegisterDevice(ctx, deviceID, room)
}

// Logs lists attendance records.
func (s *Service) Logs(ctx context.Context, f Filter) ([]Record, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if f.Date != "" {
		if _, err := time.Parse("2006-01-02", f.Date); err != nil {
			return nil, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidFilter, f.Date)
		}
	}
	if f.Limit > maxPage {
		f.Limit = maxPage
	}
	return s.logs.List(ctx, f)
}

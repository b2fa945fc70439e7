// Package app wires configuration and stores into per-room attendance
// engines. The api, worker and replay binaries share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"roomattend/internal/attendance"
	"roomattend/internal/config"
	"roomattend/internal/pipeline"
	"roomattend/internal/presence"
	"roomattend/internal/recognition"
	"roomattend/internal/schedule"
)

// Stores bundles the backends a pipeline reads and writes.
type Stores struct {
	Sessions  schedule.Store
	Directory *recognition.MapDirectory
	Logs      attendance.LogStore
	Location  *time.Location
	// fromDB is set when the directory should be refreshed from Postgres.
	fromDB *sql.DB
}

// LoadStores picks the schedule, directory and log backends. A schedule file
// takes precedence over the database for sessions and persons; records go to
// Postgres when db is set and to memory otherwise.
func LoadStores(ctx context.Context, cfg config.App, db *sql.DB) (Stores, error) {
	st := Stores{Location: cfg.Location()}
	if db != nil {
		st.Logs = attendance.NewRepository(db)
	} else {
		st.Logs = attendance.NewMemoryLog()
	}

	if cfg.ScheduleFile != "" {
		fx, err := schedule.LoadFile(cfg.ScheduleFile)
		if err != nil {
			return Stores{}, fmt.Errorf("load schedule file: %w", err)
		}
		return FromFixture(st, fx)
	}
	if db == nil {
		return Stores{}, fmt.Errorf("no schedule source: set SCHEDULE_FILE or DATABASE_URL")
	}

	people, err := recognition.LoadPersons(ctx, db)
	if err != nil {
		return Stores{}, fmt.Errorf("load persons: %w", err)
	}
	st.Sessions = schedule.NewPostgresStore(db)
	st.Directory = recognition.NewMapDirectory(people)
	st.fromDB = db
	return st, nil
}

// FromFixture fills sessions and directory from a parsed fixture. The
// fixture's timezone, when set, overrides the configured one.
func FromFixture(st Stores, fx *schedule.Fixture) (Stores, error) {
	if fx.Timezone != "" {
		loc, err := time.LoadLocation(fx.Timezone)
		if err != nil {
			return Stores{}, fmt.Errorf("fixture timezone: %w", err)
		}
		st.Location = loc
	}
	if st.Location == nil {
		st.Location = time.Local
	}
	if st.Logs == nil {
		st.Logs = attendance.NewMemoryLog()
	}
	st.Sessions = schedule.NewMemoryStore(fx.Sessions)
	st.Directory = recognition.NewMapDirectory(fx.Persons)
	return st, nil
}

// Engines builds one engine per room, all sharing the stores.
func Engines(cfg config.App, st Stores, logger *slog.Logger) map[string]pipeline.Processor {
	resolver := schedule.NewResolver(st.Sessions, st.Location, cfg.ArrivalLead).WithLateGrace(cfg.LateGrace)
	policy := attendance.Policy{AbsenceTimeout: cfg.AbsenceTimeout, Cooldown: cfg.Cooldown}
	engines := make(map[string]pipeline.Processor, len(cfg.Rooms))
	for _, room := range cfg.Rooms {
		engines[room] = attendance.NewEngine(attendance.Config{
			Room:        room,
			Policy:      policy,
			PresenceTTL: cfg.PresenceTTL,
		}, resolver, presence.NewTracker(room), st.Logs, logger)
	}
	return engines
}

// NewRunner builds the pipeline for every configured room.
func NewRunner(cfg config.App, st Stores, logger *slog.Logger, lossless bool, opts ...pipeline.Option) *pipeline.Runner {
	adapter := recognition.NewAdapter(st.Directory, cfg.ConfidenceThreshold, logger)
	return pipeline.NewRunner(pipeline.Config{
		TickInterval: cfg.TickInterval,
		Lossless:     lossless,
	}, adapter, Engines(cfg, st, logger), logger, opts...)
}

// RefreshDirectory reloads persons from Postgres every interval until ctx
// ends. It is a no-op for fixture-backed stores.
func (st Stores) RefreshDirectory(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if st.fromDB == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			people, err := recognition.LoadPersons(ctx, st.fromDB)
			if err != nil {
				logger.Warn("person directory refresh failed", "error", err)
				continue
			}
			st.Directory.Replace(people)
			logger.Debug("person directory refreshed", "persons", len(people))
		}
	}
}

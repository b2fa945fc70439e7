package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store returns candidate sessions for an instructor in a room, in a stable order.
type Store interface {
	SessionsFor(ctx context.Context, instructorID, room string) ([]Session, error)
}

// Resolver maps (person, room, time) to the active session.
type Resolver struct {
	store     Store
	loc       *time.Location
	lead      time.Duration
	lateGrace time.Duration
}

// NewResolver creates a resolver evaluating times in loc. lead opens each
// session's window that long before its start.
func NewResolver(store Store, loc *time.Location, lead time.Duration) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{store: store, loc: loc, lead: lead}
}

// WithLateGrace keeps a session resolvable for grace after its end so a first
// arrival can still be logged late. Zero disables it.
func (r *Resolver) WithLateGrace(grace time.Duration) *Resolver {
	r.lateGrace = grace
	return r
}

// Location returns the timezone sessions are evaluated in.
func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve returns the session for personID in room at now, or nil. Every
// predicate is checked on the same candidate; partial matches never count.
//
// Candidates are ranked: a session in progress wins over one whose early
// arrival window has opened, which wins over one that ended within the late
// grace. Among sessions in progress the latest start wins, so a meeting that
// just began takes over from the one ending at the same instant. Lead and late
// ties keep store order and the most recent end respectively.
func (r *Resolver) Resolve(ctx context.Context, personID, room string, now time.Time) (*Session, error) {
	sessions, err := r.store.SessionsFor(ctx, personID, room)
	if err != nil {
		return nil, fmt.Errorf("schedule lookup: %w", err)
	}
	local := now.In(r.loc)
	var current, early, late *Session
	for i := range sessions {
		s := sessions[i]
		if s.InstructorID != personID || s.Room != room {
			continue
		}
		switch {
		case s.ActiveAt(local, 0):
			if current == nil || s.Start > current.Start {
				current = &s
			}
		case s.ActiveAt(local, r.lead):
			if early == nil {
				early = &s
			}
		case s.LateAt(local, r.lateGrace):
			if late == nil || s.End > late.End {
				late = &s
			}
		}
	}
	switch {
	case current != nil:
		return current, nil
	case early != nil:
		return early, nil
	default:
		return late, nil
	}
}

// MemoryStore keeps sessions in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []Session
}

// NewMemoryStore creates a store holding the given sessions.
func NewMemoryStore(sessions []Session) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(sessions)
	return s
}

// Replace swaps all sessions, ordered by id.
func (m *MemoryStore) Replace(sessions []Session) {
	cp := append([]Session(nil), sessions...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
	m.mu.Lock()
	m.sessions = cp
	m.mu.Unlock()
}

// SessionsFor implements Store.
func (m *MemoryStore) SessionsFor(_ context.Context, instructorID, room string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.InstructorID == instructorID && s.Room == room {
			out = append(out, s)
		}
	}
	return out, nil
}

// PostgresStore reads sessions from the sessions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SessionsFor implements Store.
func (p *PostgresStore) SessionsFor(ctx context.Context, instructorID, room string) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, instructor_id, room, start_time, end_time, days_mask,
		       semester_start, semester_end, section_id, course, college
		FROM sessions
		WHERE instructor_id = $1 AND room = $2
		ORDER BY id
	`, instructorID, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s          Session
			start, end string
			days       int
			semStart   sql.NullTime
			semEnd     sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.InstructorID, &s.Room, &start, &end, &days,
			&semStart, &semEnd, &s.SectionID, &s.Course, &s.College); err != nil {
			return nil, err
		}
		if s.Start, err = ParseTimeOfDay(start); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		if s.End, err = ParseTimeOfDay(end); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		s.Days = Weekdays(days)
		if semStart.Valid {
			s.SemesterStart = semStart.Time.Format(DateLayout)
		}
		if semEnd.Valid {
			s.SemesterEnd = semEnd.Time.Format(DateLayout)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Upsert writes a session definition.
func (p *PostgresStore) Upsert(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var semStart, semEnd any
	if s.SemesterStart != "" {
		semStart = s.SemesterStart
	}
	if s.SemesterEnd != "" {
		semEnd = s.SemesterEnd
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, instructor_id, room, start_time, end_time, days_mask,
		                      semester_start, semester_end, section_id, course, college)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			instructor_id = EXCLUDED.instructor_id,
			room = EXCLUDED.room,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			days_mask = EXCLUDED.days_mask,
			semester_start = EXCLUDED.semester_start,
			semester_end = EXCLUDED.semester_end,
			section_id = EXCLUDED.section_id,
			course = EXCLUDED.course,
			college = EXCLUDED.college
	`, s.ID, s.InstructorID, s.Room, s.Start.String(), s.End.String(), int(s.Days),
		semStart, semEnd, s.SectionID, s.Course, s.College)
	return err
}

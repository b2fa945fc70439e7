package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"roomattend/internal/metrics"
	"roomattend/internal/presence"
	"roomattend/internal/recognition"
	"roomattend/internal/schedule"
)

// ErrOutOfOrder is returned for a frame older than the last processed one.
var ErrOutOfOrder = errors.New("frame older than last processed frame")

// Resolver finds the session active for a person in a room.
type Resolver interface {
	Resolve(ctx context.Context, personID, room string, now time.Time) (*schedule.Session, error)
	Location() *time.Location
}

// Config configures one room's engine.
type Config struct {
	Room   string
	Policy Policy
	// PresenceTTL evicts people unseen for this long; zero keeps everyone.
	PresenceTTL time.Duration
}

type pendingEmission struct {
	record  Record
	key     presence.Key
	session schedule.Session
	next    presence.Phase
}

// Engine is the attendance state machine for one room. It is not safe for
// concurrent Process calls; the pipeline gives each room a single goroutine.
type Engine struct {
	room     string
	policy   Policy
	ttl      time.Duration
	resolver Resolver
	tracker  *presence.Tracker
	gate     *Gate
	store    LogStore
	log      *slog.Logger

	pending   map[string]pendingEmission
	lastFrame time.Time
}

// NewEngine wires an engine for cfg.Room.
func NewEngine(cfg Config, resolver Resolver, tracker *presence.Tracker, store LogStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = presence.NewTracker(cfg.Room)
	}
	return &Engine{
		room:     cfg.Room,
		policy:   cfg.Policy,
		ttl:      cfg.PresenceTTL,
		resolver: resolver,
		tracker:  tracker,
		gate:     NewGate(store),
		store:    store,
		log:      logger.With("room", cfg.Room),
		pending:  make(map[string]pendingEmission),
	}
}

// Room returns the room this engine serves.
func (e *Engine) Room() string { return e.room }

// Tracker exposes the room's presence state.
func (e *Engine) Tracker() *presence.Tracker { return e.tracker }

// Process evaluates one frame's recognized set at now and returns the records
// appended. Append failures are joined into the error; the frame is still
// evaluated for everyone else and failed records are retried next frame.
func (e *Engine) Process(ctx context.Context, now time.Time, recognized []recognition.Recognition) ([]Record, error) {
	if now.Before(e.lastFrame) {
		return nil, fmt.Errorf("%w: %s < %s", ErrOutOfOrder, now.Format(time.RFC3339Nano), e.lastFrame.Format(time.RFC3339Nano))
	}
	e.lastFrame = now
	metrics.FramesProcessed.WithLabelValues(e.room).Inc()

	local := now.In(e.resolver.Location())
	var (
		out  []Record
		errs []error
	)
	collect := func(recs []Record, err error) {
		out = append(out, recs...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(e.retryPending(ctx))
	collect(e.sweep(ctx, local))

	seen := make(map[string]bool, len(recognized))
	for _, r := range recognized {
		seen[r.PersonID] = true
		e.tracker.Observe(r.PersonID, now)
	}

	for _, r := range recognized {
		if _, waiting := e.pending[r.PersonID]; waiting {
			continue
		}
		collect(e.evaluate(ctx, r.PersonID, local, true))
	}

	for _, personID := range e.tracker.Persons() {
		if seen[personID] {
			continue
		}
		if _, waiting := e.pending[personID]; waiting {
			continue
		}
		if _, phase := e.tracker.Current(personID); phase != presence.PresentLogged && phase != presence.Returned {
			continue
		}
		if absence, ok := e.tracker.AbsenceDuration(personID, now); !ok || absence <= e.policy.AbsenceTimeout {
			continue
		}
		collect(e.evaluate(ctx, personID, local, false))
	}

	return out, errors.Join(errs...)
}

// Tick advances time without a frame: it retries unconfirmed records, runs the
// schedule-ended sweep, and evicts stale presence. Absence is only judged on
// real frames, so a silent camera never produces departures.
func (e *Engine) Tick(ctx context.Context, now time.Time) ([]Record, error) {
	if now.Before(e.lastFrame) {
		return nil, nil
	}
	var (
		out  []Record
		errs []error
	)
	recs, err := e.retryPending(ctx)
	out = append(out, recs...)
	if err != nil {
		errs = append(errs, err)
	}
	recs, err = e.sweep(ctx, now.In(e.resolver.Location()))
	out = append(out, recs...)
	if err != nil {
		errs = append(errs, err)
	}

	if n := e.tracker.Evict(now, e.ttl); n > 0 {
		e.log.Debug("evicted stale presence", "count", n)
	}
	metrics.TrackedPersons.WithLabelValues(e.room).Set(float64(len(e.tracker.Persons())))
	return out, errors.Join(errs...)
}

func (e *Engine) evaluate(ctx context.Context, personID string, local time.Time, recognized bool) ([]Record, error) {
	session, err := e.resolver.Resolve(ctx, personID, e.room, local)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(e.room, "resolve").Inc()
		e.log.Warn("schedule lookup failed, treating as no session", "person", personID, "error", err)
		return nil, nil
	}
	if session == nil {
		return nil, nil
	}

	key := presence.Key{SessionID: session.ID, Date: schedule.DateOf(local)}
	phase := e.tracker.Phase(personID, key)
	if phase == presence.Unseen && recognized {
		phase, err = e.hydrate(ctx, personID, key, *session)
		if err != nil {
			metrics.StoreErrors.WithLabelValues(e.room, "exists").Inc()
			e.log.Warn("log lookup failed, retrying next frame", "person", personID, "session", session.ID, "error", err)
			return nil, nil
		}
	}

	in := Input{Now: local, Recognized: recognized, Session: session}
	if !recognized {
		in.Absence, _ = e.tracker.AbsenceDuration(personID, local)
	}
	in.LastLeft, _ = e.tracker.LastEmittedOf(personID, presence.MarkLeft)
	in.LastReturned, _ = e.tracker.LastEmittedOf(personID, presence.MarkReturned)

	d := Decide(e.policy, phase, in)
	if d.Suppressed != "" {
		metrics.EmissionsSuppressed.WithLabelValues(e.room, string(suppressedStatus(phase)), d.Suppressed).Inc()
		e.log.Debug("emission suppressed", "person", personID, "session", session.ID, "phase", phase.String(), "reason", d.Suppressed)
	}
	if d.Emit == "" {
		return nil, nil
	}
	if d.Emit == StatusLate && schedule.ClockOf(local) > session.End {
		ended, err := e.store.Exists(ctx, key.SessionID, key.Date, EndStatuses)
		if err != nil {
			metrics.StoreErrors.WithLabelValues(e.room, "exists").Inc()
			e.log.Warn("log lookup failed, retrying next frame", "person", personID, "session", session.ID, "error", err)
			return nil, nil
		}
		if ended {
			metrics.EmissionsSuppressed.WithLabelValues(e.room, string(StatusLate), ReasonEnded).Inc()
			e.log.Debug("late arrival after schedule-ended", "person", personID, "session", session.ID)
			return nil, nil
		}
	}

	p := pendingEmission{
		record:  e.newRecord(personID, *session, key.Date, d.Emit, local),
		key:     key,
		session: *session,
		next:    d.Next,
	}
	return e.emit(ctx, personID, p)
}

// hydrate folds the log store's history for key into the tracker. It runs the
// first time a person is recognized for a meeting, including after a restart.
func (e *Engine) hydrate(ctx context.Context, personID string, key presence.Key, session schedule.Session) (presence.Phase, error) {
	arrived, err := e.store.Exists(ctx, key.SessionID, key.Date, ArrivalStatuses)
	if err != nil {
		return presence.Unseen, err
	}
	if !arrived {
		return presence.Unseen, nil
	}
	latest, err := e.store.Latest(ctx, key.SessionID, key.Date, TransitionStatuses)
	if err != nil {
		return presence.Unseen, err
	}
	phase := PhaseAfter(latest)
	e.tracker.SetPhase(personID, key, phase)
	e.tracker.SetOpen(personID, key, session, time.Time{})
	return phase, nil
}

func (e *Engine) emit(ctx context.Context, personID string, p pendingEmission) ([]Record, error) {
	status := p.record.Status
	ok, err := e.gate.ShouldEmit(ctx, p.key.SessionID, p.key.Date, status)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(e.room, "exists").Inc()
		e.log.Warn("dedup check failed, retrying next frame", "person", personID, "status", status, "error", err)
		return nil, nil
	}
	if !ok {
		metrics.EmissionsSuppressed.WithLabelValues(e.room, string(status), ReasonExists).Inc()
		delete(e.pending, personID)
		e.tracker.SetPhase(personID, p.key, p.next)
		e.tracker.SetOpen(personID, p.key, p.session, time.Time{})
		return nil, nil
	}

	rec, err := e.store.Append(ctx, p.record)
	if err != nil {
		e.pending[personID] = p
		metrics.StoreErrors.WithLabelValues(e.room, "append").Inc()
		e.log.Error("append failed, record kept for retry", "person", personID, "session", p.key.SessionID, "status", status, "error", err)
		return nil, fmt.Errorf("append %s for %s: %w", status, personID, err)
	}
	delete(e.pending, personID)

	if err := e.tracker.SetLastEmitted(personID, MarkFor(status), rec.Timestamp); err != nil {
		e.log.Warn("emission mark not updated", "person", personID, "status", status, "error", err)
	}
	e.tracker.SetPhase(personID, p.key, p.next)
	if status == StatusPresent || status == StatusLate {
		e.tracker.SetOpen(personID, p.key, p.session, rec.Timestamp)
	}
	metrics.RecordsAppended.WithLabelValues(e.room, string(status)).Inc()
	e.log.Info("attendance recorded", "person", personID, "session", p.key.SessionID, "date", p.key.Date, "status", status)
	return []Record{rec}, nil
}

func (e *Engine) retryPending(ctx context.Context) ([]Record, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	var (
		out  []Record
		errs []error
	)
	for personID, p := range e.pending {
		recs, err := e.emit(ctx, personID, p)
		out = append(out, recs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// sweep appends schedule-ended for every open meeting whose end has passed.
func (e *Engine) sweep(ctx context.Context, local time.Time) ([]Record, error) {
	var (
		out  []Record
		errs []error
	)
	for _, m := range e.tracker.OpenMeetings() {
		if !m.Session.EndedAt(m.Key.Date, local) {
			continue
		}
		ok, err := e.gate.ShouldEmit(ctx, m.Key.SessionID, m.Key.Date, StatusScheduleEnded)
		if err != nil {
			metrics.StoreErrors.WithLabelValues(e.room, "exists").Inc()
			e.log.Warn("dedup check failed, retrying next frame", "person", m.PersonID, "status", StatusScheduleEnded, "error", err)
			continue
		}
		if !ok {
			metrics.EmissionsSuppressed.WithLabelValues(e.room, string(StatusScheduleEnded), ReasonExists).Inc()
			e.tracker.CloseOpen(m.PersonID, m.Key)
			continue
		}

		endAt, err := endInstant(m.Key.Date, m.Session.End, local.Location())
		if err != nil {
			endAt = local
		}
		if m.Since.After(endAt) {
			endAt = m.Since
		}
		rec, err := e.store.Append(ctx, e.newRecord(m.PersonID, m.Session, m.Key.Date, StatusScheduleEnded, endAt))
		if err != nil {
			metrics.StoreErrors.WithLabelValues(e.room, "append").Inc()
			e.log.Error("append failed, record kept for retry", "person", m.PersonID, "session", m.Key.SessionID, "status", StatusScheduleEnded, "error", err)
			errs = append(errs, fmt.Errorf("append %s for %s: %w", StatusScheduleEnded, m.Key.SessionID, err))
			continue
		}
		e.tracker.CloseOpen(m.PersonID, m.Key)
		metrics.RecordsAppended.WithLabelValues(e.room, string(StatusScheduleEnded)).Inc()
		e.log.Info("attendance recorded", "person", m.PersonID, "session", m.Key.SessionID, "date", m.Key.Date, "status", StatusScheduleEnded)
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

func (e *Engine) newRecord(personID string, s schedule.Session, date string, status Status, at time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		SessionID: s.ID,
		PersonID:  personID,
		Room:      e.room,
		Date:      date,
		Status:    status,
		Timestamp: at,
		Course:    s.Course,
		College:   s.College,
	}
}

func endInstant(date string, end schedule.TimeOfDay, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(schedule.DateLayout, date, loc)
	if err != nil {
		return time.Time{}, err
	}
	return day.Add(time.Duration(end)), nil
}

func suppressedStatus(phase presence.Phase) Status {
	if phase == presence.LeftEarly {
		return StatusReturned
	}
	return StatusLeftEarly
}

package presence

import (
	"errors"
	"sort"
	"sync"
	"time"

	"roomattend/internal/schedule"
)

// Mark is the transitional status last emitted for a person.
type Mark string

const (
	MarkNone     Mark = ""
	MarkPresent  Mark = "present"
	MarkLeft     Mark = "left"
	MarkReturned Mark = "returned"
)

// Phase is the per-person attendance state within one session day.
type Phase int

const (
	Unseen Phase = iota
	PresentLogged
	LeftEarly
	Returned
)

func (p Phase) String() string {
	switch p {
	case PresentLogged:
		return "present_logged"
	case LeftEarly:
		return "left_early"
	case Returned:
		return "returned"
	default:
		return "unseen"
	}
}

// Key identifies one meeting of a session.
type Key struct {
	SessionID string
	Date      string
}

// ErrStaleEmission is returned when an emission time would move backwards.
var ErrStaleEmission = errors.New("emission time before previous emission")

// State is the tracked presence of one person.
type State struct {
	PersonID string
	LastSeen time.Time
	Last     Mark
	LastAt   time.Time
	Key      Key
	Phase    Phase
	// Open holds every meeting awaiting its schedule-ended record. Back-to-back
	// sessions can leave more than one open at a time.
	Open map[Key]Meeting

	markAt map[Mark]time.Time
}

// Tracker holds presence state for a single room. Methods are safe for
// concurrent use; compound read-then-write sequences are serialized by the
// room's single processing goroutine.
type Tracker struct {
	room   string
	mu     sync.Mutex
	people map[string]*State
}

// NewTracker creates an empty tracker for room.
func NewTracker(room string) *Tracker {
	return &Tracker{room: room, people: make(map[string]*State)}
}

// Room returns the room this tracker partitions.
func (t *Tracker) Room() string { return t.room }

func (t *Tracker) get(personID string) *State {
	st, ok := t.people[personID]
	if !ok {
		st = &State{PersonID: personID, Open: make(map[Key]Meeting), markAt: make(map[Mark]time.Time)}
		t.people[personID] = st
	}
	return st
}

// Observe records a sighting. Earlier timestamps never move LastSeen back.
func (t *Tracker) Observe(personID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(personID)
	if now.After(st.LastSeen) {
		st.LastSeen = now
	}
}

// LastSeen returns the last sighting of personID.
func (t *Tracker) LastSeen(personID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.people[personID]
	if !ok || st.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return st.LastSeen, true
}

// AbsenceDuration returns how long personID has been unseen at now.
// ok is false if the person was never seen.
func (t *Tracker) AbsenceDuration(personID string, now time.Time) (time.Duration, bool) {
	last, ok := t.LastSeen(personID)
	if !ok {
		return 0, false
	}
	if now.Before(last) {
		return 0, true
	}
	return now.Sub(last), true
}

// SetLastEmitted records that mark was emitted for personID at now.
func (t *Tracker) SetLastEmitted(personID string, mark Mark, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(personID)
	if now.Before(st.LastAt) {
		return ErrStaleEmission
	}
	st.Last = mark
	st.LastAt = now
	st.markAt[mark] = now
	return nil
}

// LastEmitted returns the most recent emitted mark for personID.
func (t *Tracker) LastEmitted(personID string) (Mark, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.people[personID]
	if !ok || st.Last == MarkNone {
		return MarkNone, time.Time{}, false
	}
	return st.Last, st.LastAt, true
}

// LastEmittedOf returns when mark was last emitted for personID.
func (t *Tracker) LastEmittedOf(personID string, mark Mark) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.people[personID]
	if !ok {
		return time.Time{}, false
	}
	at, ok := st.markAt[mark]
	return at, ok
}

// Phase returns personID's phase for key. A different key means a new
// session day, which always starts Unseen.
func (t *Tracker) Phase(personID string, key Key) Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.people[personID]
	if !ok || st.Key != key {
		return Unseen
	}
	return st.Phase
}

// Current returns the key and phase last set for personID.
func (t *Tracker) Current(personID string) (Key, Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.people[personID]
	if !ok {
		return Key{}, Unseen
	}
	return st.Key, st.Phase
}

// SetPhase moves personID to phase within key.
func (t *Tracker) SetPhase(personID string, key Key, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(personID)
	st.Key = key
	st.Phase = phase
}

// Meeting is one session occurrence tied to a person.
type Meeting struct {
	PersonID string
	Key      Key
	Session  schedule.Session
	// Since is when the arrival was recorded; zero when rebuilt from the log.
	Since time.Time
}

// SetOpen marks the meeting key of session as awaiting its end record. An
// already open meeting keeps its original arrival time.
func (t *Tracker) SetOpen(personID string, key Key, session schedule.Session, since time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(personID)
	if m, ok := st.Open[key]; ok && !m.Since.IsZero() {
		since = m.Since
	}
	st.Open[key] = Meeting{PersonID: personID, Key: key, Session: session, Since: since}
}

// CloseOpen clears the open meeting key of personID.
func (t *Tracker) CloseOpen(personID string, key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.people[personID]; ok {
		delete(st.Open, key)
	}
}

// OpenMeetings lists every open meeting, ordered by person, date and session.
func (t *Tracker) OpenMeetings() []Meeting {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Meeting
	for _, st := range t.people {
		for _, m := range st.Open {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PersonID != b.PersonID {
			return a.PersonID < b.PersonID
		}
		if a.Key.Date != b.Key.Date {
			return a.Key.Date < b.Key.Date
		}
		return a.Key.SessionID < b.Key.SessionID
	})
	return out
}

// Persons returns tracked person ids in sorted order.
func (t *Tracker) Persons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.people))
	for id := range t.people {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evict drops people unseen for longer than ttl who have no open session.
// It returns the number of evicted entries.
func (t *Tracker) Evict(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, st := range t.people {
		if len(st.Open) > 0 {
			continue
		}
		if now.Sub(st.LastSeen) > ttl {
			delete(t.people, id)
			n++
		}
	}
	return n
}

package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomattend/internal/presence"
	"roomattend/internal/recognition"
	"roomattend/internal/schedule"
)

const (
	room   = "R101"
	person = "P1"
)

// clock returns 2025-03-03 (a Monday) at the given time, UTC.
func clock(hh, mm, ss int) time.Time {
	return time.Date(2025, 3, 3, hh, mm, ss, 0, time.UTC)
}

func testSession() schedule.Session {
	return schedule.Session{
		ID:            "S1",
		InstructorID:  person,
		Room:          room,
		Start:         schedule.TimeOfDay(9 * time.Hour),
		End:           schedule.TimeOfDay(10 * time.Hour),
		Days:          schedule.NewWeekdays(time.Monday),
		SemesterStart: "2025-01-13",
		SemesterEnd:   "2025-05-30",
		SectionID:     "BSIT-1A",
		Course:        "BSIT",
		College:       "CCS",
	}
}

type harness struct {
	t      *testing.T
	log    *MemoryLog
	engine *Engine
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	return newHarnessWithLog(t, policy, NewMemoryLog())
}

func newHarnessWithLog(t *testing.T, policy Policy, log *MemoryLog) *harness {
	t.Helper()
	resolver := schedule.NewResolver(schedule.NewMemoryStore([]schedule.Session{testSession()}), time.UTC, 15*time.Minute)
	engine := NewEngine(Config{Room: room, Policy: policy}, resolver, presence.NewTracker(room), log, nil)
	return &harness{t: t, log: log, engine: engine}
}

func newScheduleHarness(t *testing.T, grace time.Duration, sessions ...schedule.Session) *harness {
	t.Helper()
	log := NewMemoryLog()
	resolver := schedule.NewResolver(schedule.NewMemoryStore(sessions), time.UTC, 15*time.Minute).WithLateGrace(grace)
	engine := NewEngine(Config{Room: room, Policy: DefaultPolicy()}, resolver, presence.NewTracker(room), log, nil)
	return &harness{t: t, log: log, engine: engine}
}

func (h *harness) frame(ts time.Time, persons ...string) []Record {
	h.t.Helper()
	recs := make([]recognition.Recognition, 0, len(persons))
	for _, p := range persons {
		recs = append(recs, recognition.Recognition{PersonID: p, Confidence: 40, Timestamp: ts})
	}
	out, err := h.engine.Process(context.Background(), ts, recs)
	if err != nil {
		h.t.Fatalf("Process(%s): %v", ts.Format("15:04:05"), err)
	}
	return out
}

// drive feeds one frame per step in [from, to]; person is recognized when present(ts).
func (h *harness) drive(from, to time.Time, step time.Duration, present func(time.Time) bool) {
	h.t.Helper()
	for ts := from; !ts.After(to); ts = ts.Add(step) {
		if present(ts) {
			h.frame(ts, person)
		} else {
			h.frame(ts)
		}
	}
}

func (h *harness) count(status Status) int {
	n := 0
	for _, r := range h.log.All() {
		if r.Status == status {
			n++
		}
	}
	return n
}

func always(time.Time) bool { return true }

func TestArrivalIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.drive(clock(9, 5, 0), clock(9, 50, 0), time.Second, always)

	if got := h.count(StatusPresent) + h.count(StatusLate); got != 1 {
		t.Fatalf("arrival records = %d, want 1", got)
	}
	recs := h.log.All()
	if recs[0].Status != StatusLate || recs[0].Course != "BSIT" || recs[0].College != "CCS" || recs[0].Date != "2025-03-03" {
		t.Errorf("arrival record = %+v", recs[0])
	}
	if h.count(StatusLeftEarly) != 0 {
		t.Error("continuous presence must not log departures")
	}
}

func TestLateBoundary(t *testing.T) {
	tests := []struct {
		name     string
		first    time.Time
		expected Status
	}{
		{"one second before start", clock(8, 59, 59), StatusPresent},
		{"at start", clock(9, 0, 0), StatusPresent},
		{"one second after start", clock(9, 0, 1), StatusLate},
		{"near end", clock(10, 0, 0), StatusLate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultPolicy())
			out := h.frame(tt.first, person)
			if len(out) != 1 || out[0].Status != tt.expected {
				t.Fatalf("first sighting at %s = %+v, want %s", tt.first.Format("15:04:05"), out, tt.expected)
			}
			if !out[0].Timestamp.Equal(tt.first) {
				t.Errorf("timestamp = %v, want %v", out[0].Timestamp, tt.first)
			}
		})
	}
}

func TestNoSessionNoRecord(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	for _, ts := range []time.Time{
		clock(8, 44, 0),
		clock(10, 0, 1),
		time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC),
	} {
		if out := h.frame(ts, person); len(out) != 0 {
			t.Errorf("frame at %v produced %+v", ts, out)
		}
	}
	if out := h.frame(time.Date(2025, 3, 4, 9, 31, 0, 0, time.UTC), "stranger"); len(out) != 0 {
		t.Errorf("unscheduled person produced %+v", out)
	}
}

func TestAbsenceDebounce(t *testing.T) {
	tests := []struct {
		name     string
		gap      time.Duration
		expected int
	}{
		{"59s gap", 59 * time.Second, 0},
		{"60s gap", 60 * time.Second, 0},
		{"61s gap", 61 * time.Second, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultPolicy())
			lastSeen := clock(9, 10, 0)
			h.drive(clock(9, 5, 0), lastSeen, time.Second, always)
			h.drive(lastSeen.Add(time.Second), lastSeen.Add(tt.gap), time.Second, func(time.Time) bool { return false })
			back := lastSeen.Add(tt.gap + time.Second)
			h.drive(back, back.Add(30*time.Second), time.Second, always)

			if got := h.count(StatusLeftEarly); got != tt.expected {
				t.Errorf("left-early records = %d, want %d", got, tt.expected)
			}
			if got := h.count(StatusReturned); got != tt.expected {
				t.Errorf("returned records = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestCooldown(t *testing.T) {
	policy := Policy{AbsenceTimeout: 10 * time.Second, Cooldown: 60 * time.Second}

	// First departure qualifies at 09:10:16. The person returns at 09:10:20
	// and leaves again; the second departure qualifies gap seconds after the
	// first, and the person is back four seconds later.
	tests := []struct {
		name     string
		gap      time.Duration
		expected int
	}{
		{"30s apart", 30 * time.Second, 1},
		{"70s apart", 70 * time.Second, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, policy)
			firstLeft := clock(9, 10, 16)
			secondLeft := firstLeft.Add(tt.gap)
			secondAway := secondLeft.Add(-10 * time.Second)
			present := func(ts time.Time) bool {
				switch {
				case ts.Before(clock(9, 10, 6)):
					return true
				case ts.Before(clock(9, 10, 20)):
					return false
				case ts.Before(secondAway):
					return true
				case ts.Before(secondLeft.Add(4 * time.Second)):
					return false
				default:
					return true
				}
			}
			h.drive(clock(9, 10, 0), clock(9, 13, 0), time.Second, present)

			if got := h.count(StatusLeftEarly); got != tt.expected {
				t.Errorf("left-early records = %d, want %d", got, tt.expected)
			}
			left := h.log.All()
			for _, r := range left {
				if r.Status == StatusLeftEarly && r.Timestamp.Equal(firstLeft) {
					return
				}
			}
			t.Errorf("no left-early at %v in %+v", firstLeft, left)
		})
	}
}

func TestReturnedCooldownDelaysReturn(t *testing.T) {
	policy := Policy{AbsenceTimeout: 5 * time.Second, Cooldown: 60 * time.Second}
	h := newHarness(t, policy)

	h.frame(clock(9, 10, 0), person)
	h.frame(clock(9, 10, 6))          // left
	h.frame(clock(9, 10, 50), person) // returned
	h.frame(clock(9, 11, 10))         // left, 64s after the first
	out := h.frame(clock(9, 11, 12), person)
	if len(out) != 0 {
		t.Fatalf("return 22s after the previous return produced %+v", out)
	}
	out = h.frame(clock(9, 11, 51), person)
	if len(out) != 1 || out[0].Status != StatusReturned {
		t.Fatalf("return after cool-down = %+v, want returned", out)
	}
	if h.count(StatusLeftEarly) != 2 || h.count(StatusReturned) != 2 {
		t.Errorf("left=%d returned=%d, want 2 and 2", h.count(StatusLeftEarly), h.count(StatusReturned))
	}
}

func TestScheduleEndedExactlyOnce(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.drive(clock(9, 30, 0), clock(10, 30, 0), 10*time.Second, always)

	if got := h.count(StatusScheduleEnded); got != 1 {
		t.Fatalf("schedule-ended records = %d, want 1", got)
	}
	for _, r := range h.log.All() {
		if r.Status == StatusScheduleEnded && !r.Timestamp.Equal(clock(10, 0, 0)) {
			t.Errorf("schedule-ended timestamp = %v, want 10:00:00", r.Timestamp)
		}
	}
}

func TestScheduleEndedRequiresArrival(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.frame(clock(9, 0, 0), "stranger")
	h.frame(clock(10, 5, 0), "stranger")
	if got := len(h.log.All()); got != 0 {
		t.Errorf("records = %d, want 0", got)
	}
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	present := func(ts time.Time) bool {
		return ts.Before(clock(9, 45, 0)) || !ts.Before(clock(9, 48, 0))
	}
	h.drive(clock(8, 59, 0), clock(10, 5, 0), time.Second, present)

	expected := []struct {
		status Status
		at     time.Time
	}{
		{StatusPresent, clock(8, 59, 0)},
		{StatusLeftEarly, clock(9, 46, 0)},
		{StatusReturned, clock(9, 48, 0)},
		{StatusScheduleEnded, clock(10, 0, 0)},
	}
	got := h.log.All()
	if len(got) != len(expected) {
		t.Fatalf("got %d records, want %d: %+v", len(got), len(expected), got)
	}
	for i, want := range expected {
		if got[i].Status != want.status || !got[i].Timestamp.Equal(want.at) {
			t.Errorf("record %d = %s@%s, want %s@%s", i, got[i].Status, got[i].Timestamp.Format("15:04:05"),
				want.status, want.at.Format("15:04:05"))
		}
		if got[i].SessionID != "S1" || got[i].PersonID != person || got[i].Room != room {
			t.Errorf("record %d identity = %+v", i, got[i])
		}
	}
}

func TestAppendFailureIsSurfacedAndRetried(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.log.SetFailures(errors.New("db down"), nil)

	first := clock(9, 1, 0)
	_, err := h.engine.Process(context.Background(), first, []recognition.Recognition{{PersonID: person}})
	if err == nil {
		t.Fatal("Process should surface append failure")
	}
	if len(h.log.All()) != 0 {
		t.Fatal("nothing should be written while the store fails")
	}

	h.log.SetFailures(nil, nil)
	out := h.frame(clock(9, 1, 1), person)
	if len(out) != 1 || out[0].Status != StatusLate || !out[0].Timestamp.Equal(first) {
		t.Fatalf("retry = %+v, want late at %v", out, first)
	}
	h.frame(clock(9, 1, 2), person)
	if got := h.count(StatusLate); got != 1 {
		t.Errorf("late records = %d, want 1", got)
	}
}

func TestReadFailureIsTransient(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.log.SetFailures(nil, errors.New("timeout"))

	if out := h.frame(clock(9, 1, 0), person); len(out) != 0 {
		t.Fatalf("read failure produced %+v", out)
	}
	h.log.SetFailures(nil, nil)
	out := h.frame(clock(9, 1, 1), person)
	if len(out) != 1 || out[0].Status != StatusLate {
		t.Fatalf("next frame = %+v, want late", out)
	}
}

type failingStore struct{}

func (failingStore) SessionsFor(context.Context, string, string) ([]schedule.Session, error) {
	return nil, errors.New("schedule store offline")
}

func TestScheduleFailureTreatedAsNoSession(t *testing.T) {
	log := NewMemoryLog()
	resolver := schedule.NewResolver(failingStore{}, time.UTC, 0)
	engine := NewEngine(Config{Room: room, Policy: DefaultPolicy()}, resolver, nil, log, nil)

	out, err := engine.Process(context.Background(), clock(9, 30, 0), []recognition.Recognition{{PersonID: person}})
	if err != nil || len(out) != 0 {
		t.Errorf("Process = %+v, %v; want no records and no error", out, err)
	}
}

func TestOutOfOrderFrameRejected(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.frame(clock(9, 10, 0), person)

	_, err := h.engine.Process(context.Background(), clock(9, 9, 59), nil)
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Process(older frame) = %v, want ErrOutOfOrder", err)
	}
}

func TestRestartRebuildsPhaseFromLog(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	for _, r := range []Record{
		{SessionID: "S1", PersonID: person, Room: room, Date: "2025-03-03", Status: StatusPresent, Timestamp: clock(8, 58, 0)},
		{SessionID: "S1", PersonID: person, Room: room, Date: "2025-03-03", Status: StatusLeftEarly, Timestamp: clock(9, 20, 0)},
	} {
		if _, err := log.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	h := newHarnessWithLog(t, DefaultPolicy(), log)
	out := h.frame(clock(9, 30, 0), person)
	if len(out) != 1 || out[0].Status != StatusReturned {
		t.Fatalf("first frame after restart = %+v, want returned", out)
	}
	if h.count(StatusPresent)+h.count(StatusLate) != 1 {
		t.Error("restart must not log a second arrival")
	}

	h.frame(clock(10, 0, 30), person)
	if h.count(StatusScheduleEnded) != 1 {
		t.Error("hydrated meeting should still close with schedule-ended")
	}
}

func TestTickClosesSessionsWithoutJudgingAbsence(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.frame(clock(9, 0, 0), person)
	ctx := context.Background()

	out, err := h.engine.Tick(ctx, clock(9, 30, 0))
	if err != nil || len(out) != 0 {
		t.Fatalf("Tick mid-session = %+v, %v", out, err)
	}
	out, err = h.engine.Tick(ctx, clock(10, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Status != StatusScheduleEnded {
		t.Fatalf("Tick after end = %+v, want schedule-ended", out)
	}
	if h.count(StatusLeftEarly) != 0 {
		t.Error("ticks must not produce departures")
	}
}

func TestSessionsArePartitionedByDay(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.frame(clock(9, 0, 0), person)
	nextWeek := clock(9, 0, 0).AddDate(0, 0, 7)
	out := h.frame(nextWeek, person)

	var arrival *Record
	for i := range out {
		if out[i].Status == StatusPresent {
			arrival = &out[i]
		}
	}
	if arrival == nil || arrival.Date != "2025-03-10" {
		t.Fatalf("next week's first frame = %+v, want a new present record", out)
	}
	if h.count(StatusScheduleEnded) != 1 {
		t.Errorf("previous meeting should be closed, got %d schedule-ended", h.count(StatusScheduleEnded))
	}
}

func TestBackToBackSessionsEachClose(t *testing.T) {
	morning := testSession()
	morning.ID = "S2"
	next := testSession()
	next.Start = schedule.TimeOfDay(10 * time.Hour)
	next.End = schedule.TimeOfDay(11 * time.Hour)

	h := newScheduleHarness(t, 0, morning, next)
	h.drive(clock(8, 59, 0), clock(11, 5, 0), 10*time.Second, always)

	expected := []struct {
		session string
		status  Status
		at      time.Time
	}{
		{"S2", StatusPresent, clock(8, 59, 0)},
		{"S1", StatusPresent, clock(10, 0, 0)},
		{"S2", StatusScheduleEnded, clock(10, 0, 0)},
		{"S1", StatusScheduleEnded, clock(11, 0, 0)},
	}
	got := h.log.All()
	if len(got) != len(expected) {
		t.Fatalf("got %d records, want %d: %+v", len(got), len(expected), got)
	}
	for i, want := range expected {
		if got[i].SessionID != want.session || got[i].Status != want.status || !got[i].Timestamp.Equal(want.at) {
			t.Errorf("record %d = %s %s@%s, want %s %s@%s", i,
				got[i].SessionID, got[i].Status, got[i].Timestamp.Format("15:04:05"),
				want.session, want.status, want.at.Format("15:04:05"))
		}
	}
}

func TestLateArrivalAfterEnd(t *testing.T) {
	tests := []struct {
		name     string
		first    time.Time
		ended    bool
		expected []Status
	}{
		{"within grace", clock(10, 5, 0), false, []Status{StatusLate, StatusScheduleEnded}},
		{"grace boundary", clock(10, 30, 0), false, []Status{StatusLate, StatusScheduleEnded}},
		{"past grace", clock(10, 30, 1), false, nil},
		{"schedule-ended already logged", clock(10, 5, 0), true, []Status{StatusScheduleEnded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newScheduleHarness(t, 30*time.Minute, testSession())
			if tt.ended {
				_, err := h.log.Append(context.Background(), Record{
					SessionID: "S1", PersonID: person, Room: room, Date: "2025-03-03",
					Status: StatusScheduleEnded, Timestamp: clock(10, 0, 0),
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			h.frame(tt.first, person)
			h.frame(tt.first.Add(10*time.Second), person)
			h.frame(tt.first.Add(5*time.Minute))

			got := h.log.All()
			if len(got) != len(tt.expected) {
				t.Fatalf("got %d records, want %v: %+v", len(got), tt.expected, got)
			}
			for i, want := range tt.expected {
				if got[i].Status != want {
					t.Errorf("record %d = %s, want %s", i, got[i].Status, want)
				}
			}
			if !tt.ended && len(got) == 2 {
				// The end record never precedes the arrival it closes.
				if !got[0].Timestamp.Equal(tt.first) || !got[1].Timestamp.Equal(tt.first) {
					t.Errorf("timestamps = %s, %s, want both %s", got[0].Timestamp, got[1].Timestamp, tt.first)
				}
			}
		})
	}
}

package schedule

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar-day format used for semester bounds and log dates.
const DateLayout = "2006-01-02"

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return TimeOfDay(time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

// ClockOf returns the time-of-day of t in t's location.
func ClockOf(t time.Time) TimeOfDay {
	y, m, d := t.Date()
	return TimeOfDay(t.Sub(time.Date(y, m, d, 0, 0, 0, 0, t.Location())))
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// UnmarshalYAML accepts "HH:MM[:SS]".
func (t *TimeOfDay) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseTimeOfDay(value.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Weekdays is a bitmask indexed by time.Weekday.
type Weekdays uint8

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// NewWeekdays builds a mask from the given days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Has reports whether d is in the mask.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// ParseWeekdays parses names like "mon", "Tuesday", "THU".
func ParseWeekdays(names []string) (Weekdays, error) {
	var w Weekdays
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := dayNames[key]
		if !ok {
			return 0, fmt.Errorf("invalid weekday %q", n)
		}
		w |= 1 << uint(d)
	}
	return w, nil
}

// UnmarshalYAML accepts a list of day names.
func (w *Weekdays) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	parsed, err := ParseWeekdays(names)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Session is one recurring scheduled course meeting in a room.
type Session struct {
	ID            string    `json:"session_id" yaml:"id"`
	InstructorID  string    `json:"instructor_id" yaml:"instructor_id"`
	Room          string    `json:"room" yaml:"room"`
	Start         TimeOfDay `json:"start_time" yaml:"start"`
	End           TimeOfDay `json:"end_time" yaml:"end"`
	Days          Weekdays  `json:"days_mask" yaml:"days"`
	SemesterStart string    `json:"semester_start" yaml:"semester_start"`
	SemesterEnd   string    `json:"semester_end" yaml:"semester_end"`
	SectionID     string    `json:"section_id" yaml:"section_id"`
	Course        string    `json:"course" yaml:"course"`
	College       string    `json:"college" yaml:"college"`
}

// ActiveAt reports whether the session is in progress at t. The window opens
// lead before Start so early arrivals can be logged; both ends are inclusive.
func (s Session) ActiveAt(t time.Time, lead time.Duration) bool {
	if !s.Days.Has(t.Weekday()) {
		return false
	}
	if !s.InDateRange(DateOf(t)) {
		return false
	}
	tod := ClockOf(t)
	return tod >= s.Start-TimeOfDay(lead) && tod <= s.End
}

// LateAt reports whether t falls after the session's end on a meeting day but
// no more than grace past it. A first arrival there is still logged as late.
func (s Session) LateAt(t time.Time, grace time.Duration) bool {
	if grace <= 0 || !s.Days.Has(t.Weekday()) || !s.InDateRange(DateOf(t)) {
		return false
	}
	tod := ClockOf(t)
	return tod > s.End && tod <= s.End+TimeOfDay(grace)
}

// InDateRange reports whether day lies within the semester bounds.
func (s Session) InDateRange(day string) bool {
	if s.SemesterStart != "" && day < s.SemesterStart {
		return false
	}
	if s.SemesterEnd != "" && day > s.SemesterEnd {
		return false
	}
	return true
}

// EndedAt reports whether the session's meeting on the given day has ended by t.
func (s Session) EndedAt(day string, t time.Time) bool {
	today := DateOf(t)
	if today != day {
		return today > day
	}
	return ClockOf(t) > s.End
}

// Validate checks the static shape of a session definition.
func (s Session) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("session id required")
	case s.Room == "":
		return fmt.Errorf("session %s: room required", s.ID)
	case s.End < s.Start:
		return fmt.Errorf("session %s: end %s before start %s", s.ID, s.End, s.Start)
	case s.Days == 0:
		return fmt.Errorf("session %s: no days", s.ID)
	}
	for _, d := range []string{s.SemesterStart, s.SemesterEnd} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("session %s: invalid date %q", s.ID, d)
		}
	}
	return nil
}

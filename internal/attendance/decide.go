package attendance

import (
	"time"

	"roomattend/internal/presence"
	"roomattend/internal/schedule"
)

// Policy holds the debounce settings of the decision engine.
type Policy struct {
	// AbsenceTimeout is how long a present person must be unseen before
	// a departure is logged.
	AbsenceTimeout time.Duration
	// Cooldown is the minimum gap between two emissions of the same
	// transitional status for one person.
	Cooldown time.Duration
}

// DefaultPolicy returns the 60s/60s debounce.
func DefaultPolicy() Policy {
	return Policy{AbsenceTimeout: 60 * time.Second, Cooldown: 60 * time.Second}
}

// Input is everything known about one person for one frame.
type Input struct {
	// Now is the frame time in the schedule's timezone.
	Now        time.Time
	Recognized bool
	// Absence is the time since the last sighting; only read when not recognized.
	Absence time.Duration
	// Session is the active session, nil when none is active.
	Session *schedule.Session
	// LastLeft and LastReturned are the previous emission times of those
	// statuses, zero if never emitted.
	LastLeft     time.Time
	LastReturned time.Time
}

// Suppression reasons.
const (
	ReasonCooldown = "cooldown"
	ReasonExists   = "exists"
	ReasonEnded    = "ended"
)

// Decision is the outcome of one transition.
type Decision struct {
	Next presence.Phase
	// Emit is the status to log, empty for none.
	Emit Status
	// Suppressed names why a qualifying emission was held back.
	Suppressed string
}

// Decide applies one frame to phase. It performs no I/O: arrival history must
// already be folded into phase, so Unseen means no arrival is logged yet.
func Decide(p Policy, phase presence.Phase, in Input) Decision {
	keep := Decision{Next: phase}
	if in.Session == nil {
		return keep
	}

	// Past the end only a first arrival is still logged; presence changes
	// after class are not departures or returns.
	if schedule.ClockOf(in.Now) > in.Session.End {
		if in.Recognized && phase == presence.Unseen {
			return Decision{Next: presence.PresentLogged, Emit: StatusLate}
		}
		return keep
	}

	if in.Recognized {
		switch phase {
		case presence.Unseen:
			status := StatusLate
			if schedule.ClockOf(in.Now) <= in.Session.Start {
				status = StatusPresent
			}
			return Decision{Next: presence.PresentLogged, Emit: status}
		case presence.LeftEarly:
			if !cooled(in.LastReturned, in.Now, p.Cooldown) {
				return Decision{Next: phase, Suppressed: ReasonCooldown}
			}
			return Decision{Next: presence.Returned, Emit: StatusReturned}
		default:
			return keep
		}
	}

	if phase != presence.PresentLogged && phase != presence.Returned {
		return keep
	}
	if in.Absence <= p.AbsenceTimeout {
		return keep
	}
	if !cooled(in.LastLeft, in.Now, p.Cooldown) {
		return Decision{Next: phase, Suppressed: ReasonCooldown}
	}
	return Decision{Next: presence.LeftEarly, Emit: StatusLeftEarly}
}

func cooled(last, now time.Time, cooldown time.Duration) bool {
	return last.IsZero() || now.Sub(last) > cooldown
}

// MarkFor maps an emitted status to the tracker's transitional mark.
func MarkFor(s Status) presence.Mark {
	switch s {
	case StatusPresent, StatusLate:
		return presence.MarkPresent
	case StatusLeftEarly:
		return presence.MarkLeft
	case StatusReturned:
		return presence.MarkReturned
	default:
		return presence.MarkNone
	}
}

// PhaseAfter returns the phase implied by the latest transitional record of a
// meeting with a logged arrival. It rebuilds state after a restart.
func PhaseAfter(latest *Record) presence.Phase {
	if latest == nil {
		return presence.PresentLogged
	}
	switch latest.Status {
	case StatusLeftEarly:
		return presence.LeftEarly
	case StatusReturned:
		return presence.Returned
	default:
		return presence.PresentLogged
	}
}

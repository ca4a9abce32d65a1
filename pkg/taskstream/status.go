package taskstream

import "strings"

// Phase is the coarse connection state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// Detail values refining a phase.
const (
	DetailDial     = "dial"     // connecting: first dial
	DetailResume   = "resume"   // connecting: reconnect with a resume cursor
	DetailComplete = "complete" // closed: server finished the task gracefully
	DetailClient   = "client"   // closed: client-initiated close
	DetailError    = "error"    // closed: retries exhausted or fatal close code
)

// Status is the connection state as a parent+child variant. Detail refines
// the phase and may be empty.
type Status struct {
	Phase  Phase
	Detail string
	// Attempt counts failed dials since the link last dropped. Zero while
	// open or before the first failure.
	Attempt int
}

// Matches reports whether the status satisfies a pattern of the form
// "phase" or "phase.detail". A bare phase matches any detail.
func (s Status) Matches(pattern string) bool {
	head, tail, hasDetail := strings.Cut(pattern, ".")
	if string(s.Phase) != head {
		return false
	}
	return !hasDetail || s.Detail == tail
}

func (s Status) String() string {
	if s.Detail == "" {
		return string(s.Phase)
	}
	return string(s.Phase) + "." + s.Detail
}

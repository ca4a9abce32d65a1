package protocol

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Subprotocol is the versioned WebSocket sub-protocol advertised on the
// streaming channel. When a bearer token must travel through sub-protocol
// headers it is appended as a second requested protocol; the server echoes
// only Subprotocol back.
const Subprotocol = "reelay.v1"

// Subprotocols returns the protocol list a client should request.
func Subprotocols(token string) []string {
	if token == "" {
		return []string{Subprotocol}
	}
	return []string{Subprotocol, token}
}

// EventIDSource issues the event IDs for one task session: ULID strings
// with a shared monotonic entropy source, so IDs are strictly increasing
// and lexicographic order is issue order.
type EventIDSource struct {
	mu      sync.Mutex
	lastMs  uint64
	entropy *ulid.MonotonicEntropy
}

// NewEventIDSource creates an ID source seeded from the current time.
func NewEventIDSource() *EventIDSource {
	t := time.Now()
	return &EventIDSource{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0),
	}
}

// Next returns the next event ID. Safe for concurrent use. A clock that
// steps backwards does not break monotonicity; the source pins the
// timestamp at the highest value it has issued.
func (s *EventIDSource) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := ulid.Now()
	if ms < s.lastMs {
		ms = s.lastMs
	}
	s.lastMs = ms

	return ulid.MustNew(ms, s.entropy).String()
}

// EventIDAfter reports whether id comes after cursor in session order.
// An empty cursor means "from the beginning".
func EventIDAfter(id, cursor string) bool {
	return cursor == "" || id > cursor
}

package relay

import (
	"sync"
	"time"
)

// CapacityMode declares how many participants a room admits.
type CapacityMode string

const (
	// ModePaired caps the room at two participants.
	ModePaired CapacityMode = "paired"
	// ModeOpen places no cap on membership.
	ModeOpen CapacityMode = "open"
)

// PairedCapacity is the hard participant cap of a paired room.
const PairedCapacity = 2

// Conn is the transport half of a participant as the relay sees it.
// Implemented by the websocket layer; tests substitute fakes.
type Conn interface {
	ID() string
	Send(v any) error
	Close(reason string)
	IsOpen() bool
}

// Room is a named, secret-gated broadcast group. The creator is fixed at
// creation; its departure terminates the room for everyone.
//
// All mutation happens under mu. The destroyed flag makes teardown
// idempotent, so a creator departure racing the idle reaper resolves to a
// single teardown and a no-op.
type Room struct {
	id        string
	secret    string
	mode      CapacityMode
	creatorID string

	mu           sync.Mutex
	participants map[string]Conn
	lastActivity time.Time
	destroyed    bool
}

func newRoom(id, secret string, mode CapacityMode, now time.Time) *Room {
	if mode != ModePaired {
		mode = ModeOpen
	}
	return &Room{
		id:           id,
		secret:       secret,
		mode:         mode,
		participants: make(map[string]Conn),
		lastActivity: now,
	}
}

func (r *Room) ID() string         { return r.id }
func (r *Room) Mode() CapacityMode { return r.mode }
func (r *Room) CreatorID() string  { return r.creatorID }

func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// pruneStaleLocked drops participants whose transport is no longer open.
// Called before capacity checks so a dead connection never holds a slot.
func (r *Room) pruneStaleLocked() {
	for id, c := range r.participants {
		if !c.IsOpen() {
			delete(r.participants, id)
		}
	}
}

// othersLocked snapshots every participant except excludeID, so the caller
// can do I/O outside the room lock.
func (r *Room) othersLocked(excludeID string) []Conn {
	out := make([]Conn, 0, len(r.participants))
	for id, c := range r.participants {
		if id == excludeID {
			continue
		}
		out = append(out, c)
	}
	return out
}

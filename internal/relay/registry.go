package relay

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config carries the registry's teardown grace delays. Zero values fall
// back to the reference defaults.
type Config struct {
	// CreatorLeaveGrace is how long remaining participants get to receive
	// the creator_left notice before being disconnected.
	CreatorLeaveGrace time.Duration
	// ReapGrace is the same delay for idle-reap closures.
	ReapGrace time.Duration
}

// JoinResult reports the outcome of a Join. Current/Max are populated when
// the error is ErrRoomFull.
type JoinResult struct {
	Reconnected bool
	Count       int
	Current     int
	Max         int
}

// Registry is the authoritative map from room id to room state. It is
// constructed and injected explicitly; tests build an isolated registry
// per case.
type Registry struct {
	cfg Config

	mu    sync.RWMutex
	rooms map[string]*Room

	now func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	if cfg.CreatorLeaveGrace <= 0 {
		cfg.CreatorLeaveGrace = 500 * time.Millisecond
	}
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = 3 * time.Second
	}
	return &Registry{
		cfg:   cfg,
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// Create registers a room and inserts the creator as its first participant
// in the same step. Creating an id that already maps to an active room fails
// with ErrRoomExists unless the caller is that room's creator, in which case
// the call re-acknowledges idempotently (create retry after a dropped ack,
// or a reconnecting creator).
func (rg *Registry) Create(roomID, secret string, mode CapacityMode, creator Conn) error {
	now := rg.now()

	rg.mu.Lock()
	defer rg.mu.Unlock()

	if existing, ok := rg.rooms[roomID]; ok {
		existing.mu.Lock()
		if !existing.destroyed {
			if existing.creatorID != creator.ID() {
				existing.mu.Unlock()
				return ErrRoomExists
			}
			existing.secret = secret
			existing.participants[creator.ID()] = creator
			existing.lastActivity = now
			existing.mu.Unlock()
			return nil
		}
		// Destroyed but not yet purged: fall through and replace the entry.
		existing.mu.Unlock()
	}

	r := newRoom(roomID, secret, mode, now)
	r.creatorID = creator.ID()
	r.participants[creator.ID()] = creator
	rg.rooms[roomID] = r

	zap.L().Info("relay.room_created",
		zap.String("room", roomID),
		zap.String("creator", creator.ID()),
		zap.String("mode", string(r.mode)),
	)
	return nil
}

// Join admits c into the room guarded by secret. A client id already holding
// a slot has its connection replaced without double-counting capacity. For
// paired rooms, stale entries are pruned before the capacity check.
func (rg *Registry) Join(roomID, secret string, c Conn) (JoinResult, error) {
	now := rg.now()

	r := rg.lookup(roomID)
	if r == nil {
		return JoinResult{}, ErrRoomNotFound
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if r.secret != secret {
		r.mu.Unlock()
		return JoinResult{}, ErrUnauthorized
	}

	if _, ok := r.participants[c.ID()]; ok {
		r.participants[c.ID()] = c
		r.lastActivity = now
		count := len(r.participants)
		r.mu.Unlock()
		return JoinResult{Reconnected: true, Count: count}, nil
	}

	if r.mode == ModePaired {
		r.pruneStaleLocked()
		if len(r.participants) >= PairedCapacity {
			current := len(r.participants)
			r.mu.Unlock()
			return JoinResult{Current: current, Max: PairedCapacity}, ErrRoomFull
		}
	}

	r.participants[c.ID()] = c
	r.lastActivity = now
	count := len(r.participants)
	others := r.othersLocked(c.ID())
	r.mu.Unlock()

	notify(others, joinedNotice(roomID, c.ID(), count, now))
	return JoinResult{Count: count}, nil
}

// Authorize re-validates the shared secret for a state-changing operation.
func (rg *Registry) Authorize(roomID, secret string) error {
	r := rg.lookup(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrRoomNotFound
	}
	if r.secret != secret {
		return ErrUnauthorized
	}
	return nil
}

// Broadcast validates the secret, refreshes the room's activity timestamp
// and delivers msg to every participant except the sender. Delivery is
// best-effort: a failed write is logged and skipped.
func (rg *Registry) Broadcast(roomID, secret, senderID string, msg any) error {
	now := rg.now()

	r := rg.lookup(roomID)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	if r.secret != secret {
		r.mu.Unlock()
		return ErrUnauthorized
	}
	r.lastActivity = now
	others := r.othersLocked(senderID)
	r.mu.Unlock()

	notify(others, msg)
	return nil
}

// Leave removes clientID from the room. A departing creator terminates the
// room for everyone: remaining participants get a creator_left notice, a
// grace delay to receive it, and are then disconnected. A departing
// non-creator leaves a user_left notice behind; the room is deleted once
// empty. Reports whether the client was a participant.
func (rg *Registry) Leave(roomID, clientID string) bool {
	now := rg.now()

	r := rg.lookup(roomID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.participants[clientID]; !ok {
		r.mu.Unlock()
		return false
	}

	if clientID == r.creatorID {
		zap.L().Info("relay.creator_left", zap.String("room", roomID))
		rg.teardown(r, creatorLeftNotice(roomID, clientID, now),
			rg.cfg.CreatorLeaveGrace, clientID, "room closed by creator")
		return true
	}

	delete(r.participants, clientID)
	r.lastActivity = now
	if len(r.participants) == 0 {
		r.mu.Unlock()
		rg.remove(roomID, r)
		zap.L().Info("relay.room_emptied", zap.String("room", roomID))
		return true
	}
	count := len(r.participants)
	others := r.othersLocked("")
	r.mu.Unlock()

	notify(others, leftNotice(roomID, clientID, count, now))
	return true
}

// ReapIdle tears down every room whose last activity is older than the
// threshold, with the same semantics as a creator departure. Returns the
// number of rooms reaped.
func (rg *Registry) ReapIdle(olderThan time.Duration) int {
	now := rg.now()

	rg.mu.RLock()
	rooms := make([]*Room, 0, len(rg.rooms))
	for _, r := range rg.rooms {
		rooms = append(rooms, r)
	}
	rg.mu.RUnlock()

	reaped := 0
	for _, r := range rooms {
		r.mu.Lock()
		if r.destroyed || now.Sub(r.lastActivity) <= olderThan {
			r.mu.Unlock()
			continue
		}
		zap.L().Info("relay.reap",
			zap.String("room", r.id),
			zap.Duration("idle", now.Sub(r.lastActivity)),
		)
		rg.teardown(r, roomClosedNotice(r.id, now), rg.cfg.ReapGrace, "", "room closed due to inactivity")
		reaped++
	}
	return reaped
}

// Room returns the room for id, or nil. Intended for inspection.
func (rg *Registry) Room(id string) *Room {
	return rg.lookup(id)
}

// RoomCount reports the number of registered rooms.
func (rg *Registry) RoomCount() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.rooms)
}

// ParticipantCount reports the total participants across all rooms.
func (rg *Registry) ParticipantCount() int {
	rg.mu.RLock()
	rooms := make([]*Room, 0, len(rg.rooms))
	for _, r := range rg.rooms {
		rooms = append(rooms, r)
	}
	rg.mu.RUnlock()

	total := 0
	for _, r := range rooms {
		total += r.ParticipantCount()
	}
	return total
}

// teardown is the single terminal transition for a room. Callers hold r.mu;
// teardown releases it. The destroyed flag makes a second caller a no-op,
// which is what settles a creator-leave racing an idle reap.
func (rg *Registry) teardown(r *Room, notice map[string]any, grace time.Duration, excludeID, closeReason string) {
	r.destroyed = true
	conns := r.othersLocked(excludeID)
	r.mu.Unlock()

	rg.remove(r.id, r)

	notify(conns, notice)
	time.Sleep(grace)
	for _, c := range conns {
		c.Close(closeReason)
	}
}

func (rg *Registry) lookup(roomID string) *Room {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.rooms[roomID]
}

// remove deletes the entry only if it still maps to r, so a room recreated
// under the same id is never clobbered by a stale teardown.
func (rg *Registry) remove(roomID string, r *Room) {
	rg.mu.Lock()
	if rg.rooms[roomID] == r {
		delete(rg.rooms, roomID)
	}
	rg.mu.Unlock()
}

func notify(conns []Conn, msg any) {
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			zap.L().Debug("relay.notify_failed", zap.String("client", c.ID()), zap.Error(err))
		}
	}
}

package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn and records what the registry sends it.
type fakeConn struct {
	id string

	mu         sync.Mutex
	open       bool
	sent       []map[string]any
	closeCount int
	closeWith  string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("closed")
	}
	f.sent = append(f.sent, v.(map[string]any))
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.open = false
		f.closeWith = reason
	}
	f.closeCount++
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m["type"].(string))
	}
	return out
}

func (f *fakeConn) countType(msgType string) int {
	n := 0
	for _, t := range f.sentTypes() {
		if t == msgType {
			n++
		}
	}
	return n
}

func testRegistry() *Registry {
	return NewRegistry(Config{
		CreatorLeaveGrace: time.Millisecond,
		ReapGrace:         time.Millisecond,
	})
}

func TestCreate(t *testing.T) {
	rg := testRegistry()
	creator := newFakeConn("alice")

	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, creator))
	assert.Equal(t, 1, rg.RoomCount())
	assert.Equal(t, 1, rg.Room("r1").ParticipantCount(), "creator is inserted with creation")
	assert.Equal(t, "alice", rg.Room("r1").CreatorID())

	t.Run("different creator fails", func(t *testing.T) {
		err := rg.Create("r1", "other", ModeOpen, newFakeConn("mallory"))
		assert.ErrorIs(t, err, ErrRoomExists)
	})

	t.Run("same creator is idempotent", func(t *testing.T) {
		require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, creator))
		assert.Equal(t, 1, rg.Room("r1").ParticipantCount())
	})
}

func TestJoin_SecretEnforcement(t *testing.T) {
	rg := testRegistry()
	creator := newFakeConn("alice")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, creator))

	_, err := rg.Join("r1", "wrong", newFakeConn("bob"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, rg.Room("r1").ParticipantCount(), "no membership change")
	assert.Empty(t, creator.sent, "no broadcast")

	_, err = rg.Join("missing", "s3cret", newFakeConn("bob"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoin_NotifiesOthers(t *testing.T) {
	rg := testRegistry()
	creator := newFakeConn("alice")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, creator))

	bob := newFakeConn("bob")
	res, err := rg.Join("r1", "s3cret", bob)
	require.NoError(t, err)
	assert.False(t, res.Reconnected)
	assert.Equal(t, 2, res.Count)

	require.Len(t, creator.sent, 1)
	notice := creator.sent[0]
	assert.Equal(t, "join-room", notice["type"])
	assert.Equal(t, "bob", notice["userId"])
	assert.Equal(t, 2, notice["participantCount"])
	assert.Empty(t, bob.sent, "joiner is not notified about itself")
}

func TestJoin_IdempotentReconnect(t *testing.T) {
	rg := testRegistry()
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, newFakeConn("alice")))

	_, err := rg.Join("r1", "s3cret", newFakeConn("bob"))
	require.NoError(t, err)

	res, err := rg.Join("r1", "s3cret", newFakeConn("bob"))
	require.NoError(t, err)
	assert.True(t, res.Reconnected)
	assert.Equal(t, 2, res.Count, "participant count does not grow")
	assert.Equal(t, 2, rg.Room("r1").ParticipantCount())
}

func TestJoin_PairedCapacity(t *testing.T) {
	rg := testRegistry()
	require.NoError(t, rg.Create("r1", "s3cret", ModePaired, newFakeConn("alice")))
	bob := newFakeConn("bob")
	_, err := rg.Join("r1", "s3cret", bob)
	require.NoError(t, err)

	t.Run("third join is refused with counts", func(t *testing.T) {
		res, err := rg.Join("r1", "s3cret", newFakeConn("carol"))
		assert.ErrorIs(t, err, ErrRoomFull)
		assert.Equal(t, 2, res.Current)
		assert.Equal(t, PairedCapacity, res.Max)
	})

	t.Run("stale slot is pruned before refusing", func(t *testing.T) {
		bob.Close("gone")

		res, err := rg.Join("r1", "s3cret", newFakeConn("carol"))
		require.NoError(t, err)
		assert.Equal(t, 2, res.Count)
	})
}

func TestBroadcast_ExcludesSender(t *testing.T) {
	rg := testRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, a))
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)
	_, err = rg.Join("r1", "s3cret", c)
	require.NoError(t, err)

	msg := map[string]any{"type": "shape_add", "payload": "circle"}
	require.NoError(t, rg.Broadcast("r1", "s3cret", "a", msg))

	assert.Equal(t, 1, b.countType("shape_add"))
	assert.Equal(t, 1, c.countType("shape_add"))
	assert.Equal(t, 0, a.countType("shape_add"), "not echoed to the sender")
}

func TestBroadcast_SecretAndNotFound(t *testing.T) {
	rg := testRegistry()
	a := newFakeConn("a")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, a))
	b := newFakeConn("b")
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)

	msg := map[string]any{"type": "shape_add"}
	assert.ErrorIs(t, rg.Broadcast("r1", "stale", "a", msg), ErrUnauthorized)
	assert.Equal(t, 0, b.countType("shape_add"), "rejected mutations are not broadcast")

	assert.ErrorIs(t, rg.Broadcast("nope", "s3cret", "a", msg), ErrRoomNotFound)
}

func TestBroadcast_FailedWriteSkipsOnlyThatRecipient(t *testing.T) {
	rg := testRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, a))
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)
	_, err = rg.Join("r1", "s3cret", c)
	require.NoError(t, err)

	b.Close("dead transport")

	msg := map[string]any{"type": "shape_update"}
	require.NoError(t, rg.Broadcast("r1", "s3cret", "a", msg), "write failure never raises")
	assert.Equal(t, 1, c.countType("shape_update"))
}

func TestLeave_NonCreator(t *testing.T) {
	rg := testRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, a))
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)
	_, err = rg.Join("r1", "s3cret", c)
	require.NoError(t, err)

	require.True(t, rg.Leave("r1", "b"))
	assert.Equal(t, 2, rg.Room("r1").ParticipantCount())
	assert.Equal(t, 1, a.countType("user_left"))
	assert.Equal(t, 1, c.countType("user_left"))
	notice := a.sent[len(a.sent)-1]
	assert.Equal(t, "b", notice["userId"])
	assert.Equal(t, 2, notice["participantCount"])

	assert.False(t, rg.Leave("r1", "b"), "second leave is a no-op")
}

func TestLeave_LastParticipantDeletesRoom(t *testing.T) {
	rg := testRegistry()
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, newFakeConn("a")))
	b := newFakeConn("b")
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)

	// Creator staying, b leaving: room survives.
	rg.Leave("r1", "b")
	assert.Equal(t, 1, rg.RoomCount())
}

func TestLeave_CreatorCascade(t *testing.T) {
	rg := testRegistry()
	creator := newFakeConn("alice")
	b, c := newFakeConn("bob"), newFakeConn("carol")
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, creator))
	_, err := rg.Join("r1", "s3cret", b)
	require.NoError(t, err)
	_, err = rg.Join("r1", "s3cret", c)
	require.NoError(t, err)

	require.True(t, rg.Leave("r1", "alice"))

	for _, fc := range []*fakeConn{b, c} {
		assert.Equal(t, 1, fc.countType("creator_left"), "%s gets exactly one notice", fc.id)
		assert.False(t, fc.IsOpen(), "%s is disconnected", fc.id)
	}
	assert.Equal(t, 0, creator.closeCount, "the departed creator is not closed again")
	assert.Nil(t, rg.Room("r1"), "room is purged")
	assert.Equal(t, 0, rg.RoomCount())

	t.Run("same id can be created fresh", func(t *testing.T) {
		require.NoError(t, rg.Create("r1", "new-secret", ModeOpen, newFakeConn("dave")))
	})
}

func TestReapIdle(t *testing.T) {
	rg := testRegistry()
	clk := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rg.now = func() time.Time { return clk }

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, rg.Create("idle", "s3cret", ModeOpen, a))
	_, err := rg.Join("idle", "s3cret", b)
	require.NoError(t, err)
	require.NoError(t, rg.Create("busy", "s3cret", ModeOpen, newFakeConn("c")))

	// Only "busy" sees activity.
	clk = clk.Add(11 * time.Minute)
	require.NoError(t, rg.Broadcast("busy", "s3cret", "c", map[string]any{"type": "shape_add"}))

	reaped := rg.ReapIdle(10 * time.Minute)
	assert.Equal(t, 1, reaped)
	assert.Nil(t, rg.Room("idle"))
	assert.NotNil(t, rg.Room("busy"))

	for _, fc := range []*fakeConn{a, b} {
		assert.Equal(t, 1, fc.countType("room_closed"), "%s receives the closure notice", fc.id)
		assert.False(t, fc.IsOpen())
	}
}

// A creator departure racing the idle reaper on the same room must resolve
// to a single teardown; the other participant sees exactly one terminal
// notice.
func TestConcurrentCreatorLeaveAndReap(t *testing.T) {
	for i := 0; i < 50; i++ {
		rg := testRegistry()
		clk := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		rg.now = func() time.Time { return clk }

		b := newFakeConn("bob")
		require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, newFakeConn("alice")))
		_, err := rg.Join("r1", "s3cret", b)
		require.NoError(t, err)

		clk = clk.Add(11 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rg.Leave("r1", "alice")
		}()
		go func() {
			defer wg.Done()
			rg.ReapIdle(10 * time.Minute)
		}()
		wg.Wait()

		terminal := b.countType("creator_left") + b.countType("room_closed")
		assert.Equal(t, 1, terminal, "exactly one terminal notice")
		assert.Nil(t, rg.Room("r1"))
	}
}

func TestConcurrentJoinsAndLeaves(t *testing.T) {
	rg := testRegistry()
	require.NoError(t, rg.Create("r1", "s3cret", ModeOpen, newFakeConn("creator")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			c := newFakeConn(id + "-conn")
			if _, err := rg.Join("r1", "s3cret", c); err == nil {
				rg.Leave("r1", c.ID())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, rg.Room("r1").ParticipantCount(), "only the creator remains")
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedBlocklist_Block(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bl := NewSharedBlocklist(db)

	mock.ExpectSetEx("relay:block:10.0.0.9", ReasonMsgFlood, 2*time.Minute).SetVal("OK")

	err := bl.Block(context.Background(), "10.0.0.9", ReasonMsgFlood, 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSharedBlocklist_IsBlocked(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bl := NewSharedBlocklist(db)

	mock.ExpectGet("relay:block:10.0.0.9").SetVal(ReasonConnAbuse)
	blocked, reason := bl.IsBlocked(context.Background(), "10.0.0.9")
	assert.True(t, blocked)
	assert.Equal(t, ReasonConnAbuse, reason)

	mock.ExpectGet("relay:block:10.0.0.10").RedisNil()
	blocked, _ = bl.IsBlocked(context.Background(), "10.0.0.10")
	assert.False(t, blocked)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSharedBlocklist_RedisOutageDegrades(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bl := NewSharedBlocklist(db)

	mock.ExpectGet("relay:block:10.0.0.11").SetErr(errors.New("connection refused"))
	blocked, _ := bl.IsBlocked(context.Background(), "10.0.0.11")
	assert.False(t, blocked, "lookup failure must not block admission")
}

func TestLimiter_MirrorsBlocksToShared(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l, _ := newTestLimiter(Policy{MaxMessages: 1, MessageWindow: time.Minute, MsgBlockDuration: 2 * time.Minute})
	l.WithSharedBlocklist(NewSharedBlocklist(db))

	mock.ExpectSetEx("relay:block:10.0.0.12", ReasonMsgFlood, 2*time.Minute).SetVal("OK")

	require.True(t, l.CheckMessageRate("10.0.0.12").Allowed)
	assert.False(t, l.CheckMessageRate("10.0.0.12").Allowed)

	require.NoError(t, mock.ExpectationsWereMet())
}

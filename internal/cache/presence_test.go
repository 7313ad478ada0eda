package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KlikkAI/reporunner-sub009/internal/collab"
)

// Requires a local redis; skipped when none is reachable.
func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:6379"}})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPresenceSetAndActiveMembers(t *testing.T) {
	store := NewRedisPresence(testClient(t))
	ctx := context.Background()
	sessionID := "test-" + uuid.NewString()

	pr := collab.Presence{
		SessionID: sessionID,
		UserID:    "alice",
		Cursor:    &collab.Cursor{X: 10, Y: 20},
		Online:    true,
		UpdatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, store.Set(ctx, pr, time.Minute))

	members, err := store.ActiveMembers(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)
	require.NotNil(t, members[0].Cursor)
	assert.Equal(t, 10.0, members[0].Cursor.X)
}

func TestPresenceLastWriteWins(t *testing.T) {
	store := NewRedisPresence(testClient(t))
	ctx := context.Background()
	sessionID := "test-" + uuid.NewString()

	newer := collab.Presence{
		SessionID: sessionID, UserID: "alice", Online: true,
		Cursor: &collab.Cursor{X: 2}, UpdatedAt: 2000,
	}
	older := collab.Presence{
		SessionID: sessionID, UserID: "alice", Online: true,
		Cursor: &collab.Cursor{X: 1}, UpdatedAt: 1000,
	}
	require.NoError(t, store.Set(ctx, newer, time.Minute))
	require.NoError(t, store.Set(ctx, older, time.Minute))

	members, err := store.ActiveMembers(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, 2.0, members[0].Cursor.X, "stale write discarded")
}

func TestPresenceOfflineExcludedFromActive(t *testing.T) {
	store := NewRedisPresence(testClient(t))
	ctx := context.Background()
	sessionID := "test-" + uuid.NewString()

	require.NoError(t, store.Set(ctx, collab.Presence{
		SessionID: sessionID, UserID: "alice", Online: true, UpdatedAt: 1000,
	}, time.Minute))
	require.NoError(t, store.Set(ctx, collab.Presence{
		SessionID: sessionID, UserID: "alice", Online: false, UpdatedAt: 2000,
	}, time.Minute))

	members, err := store.ActiveMembers(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestHeartbeatKeepsMemberAlive(t *testing.T) {
	store := NewRedisPresence(testClient(t))
	ctx := context.Background()
	sessionID := "test-" + uuid.NewString()

	require.NoError(t, store.Set(ctx, collab.Presence{
		SessionID: sessionID, UserID: "alice", Online: true, UpdatedAt: 1000,
	}, 200*time.Millisecond))

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, store.Heartbeat(ctx, sessionID, "alice", 200*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	// Without the heartbeat the original TTL would have elapsed by now.
	members, err := store.ActiveMembers(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)
}

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Addr = mr.Addr()
	config.RunTTL = time.Hour
	config.HealthCheckInterval = 0

	store, err := NewRedisStore(config, zap.NewNop())
	require.NoError(t, err)
	store.now = newTicker().now
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStore_Contract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		_, s := setupTestRedis(t)
		return s
	})
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	config := DefaultRedisConfig()
	config.Addr = "127.0.0.1:1"
	config.MaxRetries = -1
	_, err := NewRedisStore(config, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	def := sampleDefinition("triage")
	require.NoError(t, s.SaveDefinition(ctx, def))
	require.NoError(t, s.SaveRun(ctx, sampleRun("r1", def.ID, time.Now())))

	assert.True(t, mr.Exists("secflow:definition:"+def.ID))
	assert.True(t, mr.Exists("secflow:run:r1"))

	members, err := mr.ZMembers("secflow:workflow:" + def.ID + ":runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)

	assert.Equal(t, time.Hour, mr.TTL("secflow:run:r1"))
	assert.Zero(t, mr.TTL("secflow:definition:"+def.ID), "definitions never expire")
}

func TestRedisStore_ExpiredRunsLeaveTheIndex(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, sampleRun("old", "wf", base)))
	mr.FastForward(2 * time.Hour)
	require.NoError(t, s.SaveRun(ctx, sampleRun("new", "wf", base.Add(time.Minute))))

	runs, err := s.ListRuns(ctx, "wf", ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].RunID)

	members, err := mr.ZMembers("secflow:workflow:wf:runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)

	_, err = s.GetRun(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeleteDropsIndexEntry(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	def := sampleDefinition("triage")
	require.NoError(t, s.SaveDefinition(ctx, def))
	require.NoError(t, s.DeleteDefinition(ctx, def.ID))

	assert.False(t, mr.Exists("secflow:definition:"+def.ID))
	members, _ := mr.ZMembers("secflow:definitions")
	assert.Empty(t, members)
}

func TestRedisStore_Closed(t *testing.T) {
	_, s := setupTestRedis(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	ctx := context.Background()
	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.SaveRun(ctx, sampleRun("r", "wf", time.Now())))
	_, err := s.GetDefinition(ctx, "x")
	assert.Error(t, err)
}

func TestRedisStore_PingAfterServerLoss(t *testing.T) {
	mr, s := setupTestRedis(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feelinglocal-core/internal/domain/entity"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisCache_SetGetCountsHits(t *testing.T) {
	client, mr := setupRedis(t)
	c := NewRedisCache(client)
	ctx := context.Background()

	got, err := c.Get(ctx, "tr:v1:missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	e := &entity.CacheEntry{Key: "tr:v1:abc", Input: "hi", Result: "salut", Engine: "fast",
		Params: entity.Params{TargetLanguage: "fr"}}
	require.NoError(t, c.Set(ctx, e, time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("tr:v1:abc"))

	got, err = c.Get(ctx, "tr:v1:abc")
	require.NoError(t, err)
	assert.Equal(t, "salut", got.Result)
	assert.Equal(t, "fr", got.Params.TargetLanguage)
	assert.Equal(t, int64(1), got.Hits)

	got, err = c.Get(ctx, "tr:v1:abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Hits)

	mr.FastForward(2 * time.Hour)
	got, err = c.Get(ctx, "tr:v1:abc")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCache_DeletePattern(t *testing.T) {
	client, _ := setupRedis(t)
	c := NewRedisCache(client)
	ctx := context.Background()

	for _, k := range []string{"tr:v1:a", "tr:v1:b", "trb:v1:c"} {
		require.NoError(t, c.Set(ctx, &entity.CacheEntry{Key: k, Result: k}, 0))
	}
	n, err := c.Delete(ctx, "tr:v1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := c.Get(ctx, "trb:v1:c")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRedisCache_DeleteAllKeepsJobData(t *testing.T) {
	client, mr := setupRedis(t)
	c := NewRedisCache(client)
	jobs := NewRedisJobStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, jobs.Create(ctx, newJob("j1")))
	require.NoError(t, jobs.Push(ctx, entity.JobSingleText, "j1", false))
	require.NoError(t, jobs.RequestCancel(ctx, "j1"))
	require.NoError(t, c.Set(ctx, &entity.CacheEntry{Key: "tr:v1:a", Result: "a"}, time.Hour))
	require.NoError(t, c.Set(ctx, &entity.CacheEntry{Key: "trb:v1:b", Items: []string{"b"}}, time.Hour))

	n, err := c.Delete(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"job:j1", "job:j1:cancel", "jobs:pending:single_text"}, mr.Keys())

	job, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	pending, err := jobs.Pending(ctx, entity.JobSingleText)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRedisCache_MissLeavesNoKey(t *testing.T) {
	client, mr := setupRedis(t)
	c := NewRedisCache(client)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &entity.CacheEntry{Key: "tr:v1:a", Result: "a"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	got, err := c.Get(ctx, "tr:v1:a")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("tr:v1:a"), "no hit counter without an entry")

	// A counter-only hash is not an entry either.
	mr.HSet("tr:v1:b", "hits", "3")
	got, err = c.Get(ctx, "tr:v1:b")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "3", mr.HGet("tr:v1:b", "hits"))
}

func TestRedisCache_Unavailable(t *testing.T) {
	client, mr := setupRedis(t)
	c := NewRedisCache(client)
	mr.Close()

	_, err := c.Get(context.Background(), "tr:v1:a")
	assert.ErrorIs(t, err, entity.ErrCacheUnavailable)
	assert.ErrorIs(t, c.Ping(context.Background()), entity.ErrCacheUnavailable)
}

func newJob(id string) *entity.Job {
	return &entity.Job{
		ID:      id,
		Kind:    entity.JobSingleText,
		Status:  entity.JobQueued,
		Payload: entity.JobPayload{Text: "hello", Params: entity.Params{TargetLanguage: "de"}},
	}
}

func TestRedisJobStore_Lifecycle(t *testing.T) {
	client, mr := setupRedis(t)
	s := NewRedisJobStore(client, 24*time.Hour)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	job := newJob("j1")
	require.NoError(t, s.Create(ctx, job))
	assert.Equal(t, 24*time.Hour, mr.TTL("job:j1"))

	job.Status, job.Progress = entity.JobActive, 40
	require.NoError(t, s.Save(ctx, job))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.JobActive, got.Status)
	assert.Equal(t, 40, got.Progress)

	job.Status = entity.JobCompleted
	require.NoError(t, s.Save(ctx, job))

	job.Status = entity.JobFailed
	err = s.Save(ctx, job)
	assert.ErrorIs(t, err, entity.ErrValidation)
	got, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entity.JobCompleted, got.Status)
}

func TestRedisJobStore_PushPop(t *testing.T) {
	client, _ := setupRedis(t)
	s := NewRedisJobStore(client, 0)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, entity.JobBatch, "a", false))
	require.NoError(t, s.Push(ctx, entity.JobBatch, "b", false))
	require.NoError(t, s.Push(ctx, entity.JobBatch, "c", true))

	n, err := s.Pending(ctx, entity.JobBatch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	var order []string
	for range 3 {
		id, err := s.Pop(ctx, entity.JobBatch, 0)
		require.NoError(t, err)
		order = append(order, id)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)

	id, err := s.Pop(ctx, entity.JobBatch, 0)
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = s.Pop(ctx, entity.JobBatch, time.Second)
	require.NoError(t, err)
	assert.Empty(t, id)

	processing, err := s.Processing(ctx, entity.JobBatch)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, processing)
}

func TestRedisJobStore_AckAndRequeue(t *testing.T) {
	client, _ := setupRedis(t)
	s := NewRedisJobStore(client, 0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Push(ctx, entity.JobFile, id, false))
	}
	for range 2 {
		_, err := s.Pop(ctx, entity.JobFile, time.Second)
		require.NoError(t, err)
	}

	require.NoError(t, s.Ack(ctx, entity.JobFile, "a"))
	require.NoError(t, s.Requeue(ctx, entity.JobFile, "b"))

	processing, err := s.Processing(ctx, entity.JobFile)
	require.NoError(t, err)
	assert.Empty(t, processing)

	id, err := s.Pop(ctx, entity.JobFile, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", id, "requeued ids go to the front")
}

func TestRedisJobStore_ClaimIsExclusive(t *testing.T) {
	client, mr := setupRedis(t)
	s := NewRedisJobStore(client, 0)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "j1", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(30 * time.Second)
	ok, err = s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner refreshes its claim")
	assert.Equal(t, time.Minute, mr.TTL("job:j1:claim"))

	require.NoError(t, s.Release(ctx, "j1", "w2"))
	assert.True(t, mr.Exists("job:j1:claim"), "only the owner releases")

	require.NoError(t, s.Release(ctx, "j1", "w1"))
	ok, err = s.Claim(ctx, "j1", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := s.Claimed(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, claimed)

	mr.FastForward(2 * time.Minute)
	claimed, err = s.Claimed(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err = s.Claim(ctx, "j1", "w3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims are free")
}

func TestRedisJobStore_Cancel(t *testing.T) {
	client, _ := setupRedis(t)
	s := NewRedisJobStore(client, time.Hour)
	ctx := context.Background()

	ok, err := s.CancelRequested(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RequestCancel(ctx, "j1"))
	ok, err = s.CancelRequested(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, pointID("tr:v1:a"), pointID("tr:v1:a"))
	assert.NotEqual(t, pointID("tr:v1:a"), pointID("tr:v1:b"))
}

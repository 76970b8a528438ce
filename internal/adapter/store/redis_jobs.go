package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"feelinglocal-core/internal/domain/entity"
)

// Saving never overwrites a terminal record.
var saveScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'completed' or st == 'failed' then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// Acquire a free claim, or refresh one the caller already holds.
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Hand a popped id back to the front of its pending list.
var requeueScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
return redis.call('LPUSH', KEYS[2], ARGV[1])
`)

// RedisJobStore keeps each job in its own hash plus a pending and a processing
// list per kind. Popped ids stay in the processing list until acknowledged.
type RedisJobStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisJobStore(client *redis.Client, retention time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, retention: retention}
}

func jobKey(id string) string { return "job:" + id }
func claimKey(id string) string { return "job:" + id + ":claim" }
func cancelKey(id string) string { return "job:" + id + ":cancel" }
func pendingKey(k entity.JobKind) string { return "jobs:pending:" + string(k) }
func processingKey(k entity.JobKind) string { return "jobs:processing:" + string(k) }

func storeErr(op string, err error) error {
	return entity.NewError(entity.KindTransient, op, "redis", err)
}

func (s *RedisJobStore) Create(ctx context.Context, job *entity.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return entity.NewError(entity.KindInternal, "store.job_create", "encode job", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, jobKey(job.ID), "data", raw, "status", string(job.Status))
		if s.retention > 0 {
			p.PExpire(ctx, jobKey(job.ID), s.retention)
		}
		return nil
	})
	if err != nil {
		return storeErr("store.job_create", err)
	}
	return nil
}

func (s *RedisJobStore) Save(ctx context.Context, job *entity.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return entity.NewError(entity.KindInternal, "store.job_save", "encode job", err)
	}
	ok, err := saveScript.Run(ctx, s.client, []string{jobKey(job.ID)},
		raw, string(job.Status), s.retention.Milliseconds()).Int()
	if err != nil {
		return storeErr("store.job_save", err)
	}
	if ok == 0 {
		return entity.Validationf("store.job_save", "job %s is already terminal", job.ID)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*entity.Job, error) {
	raw, err := s.client.HGet(ctx, jobKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entity.NewError(entity.KindNotFound, "store.job_get", "job "+id, nil)
	}
	if err != nil {
		return nil, storeErr("store.job_get", err)
	}
	var job entity.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, entity.NewError(entity.KindInternal, "store.job_get", "decode job", err)
	}
	return &job, nil
}

func (s *RedisJobStore) Push(ctx context.Context, kind entity.JobKind, id string, front bool) error {
	var err error
	if front {
		err = s.client.LPush(ctx, pendingKey(kind), id).Err()
	} else {
		err = s.client.RPush(ctx, pendingKey(kind), id).Err()
	}
	if err != nil {
		return storeErr("store.job_push", err)
	}
	return nil
}

// Pop blocks up to wait for the next pending id of kind and moves it to the
// processing list.
func (s *RedisJobStore) Pop(ctx context.Context, kind entity.JobKind, wait time.Duration) (string, error) {
	var cmd *redis.StringCmd
	if wait <= 0 {
		cmd = s.client.LMove(ctx, pendingKey(kind), processingKey(kind), "LEFT", "RIGHT")
	} else {
		cmd = s.client.BLMove(ctx, pendingKey(kind), processingKey(kind), "LEFT", "RIGHT", wait)
	}
	id, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", storeErr("store.job_pop", err)
	}
	return id, nil
}

// Ack drops one processing entry of id.
func (s *RedisJobStore) Ack(ctx context.Context, kind entity.JobKind, id string) error {
	if err := s.client.LRem(ctx, processingKey(kind), 1, id).Err(); err != nil {
		return storeErr("store.job_ack", err)
	}
	return nil
}

func (s *RedisJobStore) Requeue(ctx context.Context, kind entity.JobKind, id string) error {
	err := requeueScript.Run(ctx, s.client, []string{processingKey(kind), pendingKey(kind)}, id).Err()
	if err != nil {
		return storeErr("store.job_requeue", err)
	}
	return nil
}

func (s *RedisJobStore) Processing(ctx context.Context, kind entity.JobKind) ([]string, error) {
	ids, err := s.client.LRange(ctx, processingKey(kind), 0, -1).Result()
	if err != nil {
		return nil, storeErr("store.job_processing", err)
	}
	return ids, nil
}

func (s *RedisJobStore) Claim(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	n, err := claimScript.Run(ctx, s.client, []string{claimKey(id)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, storeErr("store.job_claim", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) Release(ctx context.Context, id, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{claimKey(id)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("store.job_release", err)
	}
	return nil
}

func (s *RedisJobStore) Claimed(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, claimKey(id)).Result()
	if err != nil {
		return false, storeErr("store.job_claimed", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) RequestCancel(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, cancelKey(id), 1, s.retention).Err(); err != nil {
		return storeErr("store.job_cancel", err)
	}
	return nil
}

func (s *RedisJobStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, storeErr("store.job_cancel", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) Pending(ctx context.Context, kind entity.JobKind) (int64, error) {
	n, err := s.client.LLen(ctx, pendingKey(kind)).Result()
	if err != nil {
		return 0, storeErr("store.job_pending", err)
	}
	return n, nil
}

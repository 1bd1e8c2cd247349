package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"podamp/internal/domain"
)

// redisQueue keeps jobs in sorted sets keyed by time:
//
//	{prefix}delayed  score=due unix-millis, member=job id
//	{prefix}running  score=lease expiry unix-millis, member=job id
//	{prefix}done     score=finish unix-millis, member=job id
//	{prefix}job:{id} JSON job body
//
// A worker claims a job by ZRem from the delayed set; only one caller
// observes the removal, so a job is never owned twice.
type redisQueue struct {
	client redis.Cmdable
	prefix string
}

// NewRedis returns a Queue on Redis sorted sets.
func NewRedis(client redis.Cmdable, prefix string) Queue {
	if prefix == "" {
		prefix = "podamp:"
	}
	return &redisQueue{client: client, prefix: prefix}
}

func (q *redisQueue) key(s string) string { return q.prefix + s }

func (q *redisQueue) jobKey(id string) string { return q.prefix + "job:" + id }

type redisJob struct {
	domain.Job
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (q *redisQueue) readJob(ctx context.Context, id string) (redisJob, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return redisJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var j redisJob
	if err := json.Unmarshal(data, &j); err != nil {
		return redisJob{}, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return j, nil
}

func (q *redisQueue) writeJob(ctx context.Context, j redisJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.jobKey(j.ID), data, 0).Err()
}

func (q *redisQueue) Enqueue(ctx context.Context, job domain.Job) (bool, error) {
	data, err := json.Marshal(redisJob{Job: job, State: "queued"})
	if err != nil {
		return false, err
	}
	ok, err := q.client.SetNX(ctx, q.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if !ok {
		return false, nil
	}
	err = q.client.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		// Without the sorted-set entry the job body is unreachable; drop it
		// so a retried Enqueue starts clean instead of seeing SetNX=false.
		_ = q.client.Del(ctx, q.jobKey(job.ID)).Err()
		return false, fmt.Errorf("zadd: %w", err)
	}
	return true, nil
}

func (q *redisQueue) DequeueReady(ctx context.Context, now time.Time, lock time.Duration) (domain.Job, error) {
	// A lost ZRem race means another worker claimed the candidate; try the
	// next one a few times before reporting empty.
	for attempt := 0; attempt < 4; attempt++ {
		ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return domain.Job{}, fmt.Errorf("zrangebyscore: %w", err)
		}
		if len(ids) == 0 {
			return domain.Job{}, ErrEmpty
		}
		id := ids[0]

		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return domain.Job{}, fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		err = q.client.ZAdd(ctx, q.key("running"), redis.Z{
			Score:  float64(now.Add(lock).UnixMilli()),
			Member: id,
		}).Err()
		if err != nil {
			return domain.Job{}, fmt.Errorf("zadd running: %w", err)
		}
		j, err := q.readJob(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		return j.Job, nil
	}
	return domain.Job{}, ErrEmpty
}

func (q *redisQueue) finish(ctx context.Context, id, state, reason string, processing time.Duration) error {
	if err := q.client.ZRem(ctx, q.key("running"), id).Err(); err != nil {
		return fmt.Errorf("zrem running: %w", err)
	}
	j, err := q.readJob(ctx, id)
	if err != nil {
		return err
	}
	j.State = state
	j.Reason = reason
	if err := q.writeJob(ctx, j); err != nil {
		return err
	}
	now := time.Now()
	if err := q.client.ZAdd(ctx, q.key("done"), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("zadd done: %w", err)
	}
	if state == "completed" {
		if err := q.client.Incr(ctx, q.key("completed_count")).Err(); err != nil {
			return err
		}
		return q.client.IncrBy(ctx, q.key("proc_ms_sum"), processing.Milliseconds()).Err()
	}
	return q.client.Incr(ctx, q.key("failed_count")).Err()
}

func (q *redisQueue) Ack(ctx context.Context, id string, processing time.Duration) error {
	return q.finish(ctx, id, "completed", "", processing)
}

func (q *redisQueue) Fail(ctx context.Context, id, reason string) error {
	return q.finish(ctx, id, "failed", reason, 0)
}

func (q *redisQueue) requeueAt(ctx context.Context, id string, due time.Time, countAttempt bool) error {
	if err := q.client.ZRem(ctx, q.key("running"), id).Err(); err != nil {
		return fmt.Errorf("zrem running: %w", err)
	}
	j, err := q.readJob(ctx, id)
	if err != nil {
		return err
	}
	if countAttempt {
		j.Attempts++
	}
	j.State = "queued"
	if err := q.writeJob(ctx, j); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key("delayed"), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: id,
	}).Err()
}

func (q *redisQueue) Nack(ctx context.Context, id string, backoff time.Duration) error {
	return q.requeueAt(ctx, id, time.Now().Add(backoff), true)
}

func (q *redisQueue) Requeue(ctx context.Context, id string, delay time.Duration) error {
	return q.requeueAt(ctx, id, time.Now().Add(delay), false)
}

func (q *redisQueue) ExtendLease(ctx context.Context, id string, until time.Time) error {
	return q.client.ZAddXX(ctx, q.key("running"), redis.Z{
		Score:  float64(until.UnixMilli()),
		Member: id,
	}).Err()
}

func (q *redisQueue) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.key("running"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore running: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		if err := q.requeueAt(ctx, id, now, false); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *redisQueue) RemovePod(ctx context.Context, podID string) ([]string, error) {
	ids, err := q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	var intentIDs []string
	for _, id := range ids {
		j, err := q.readJob(ctx, id)
		if err != nil {
			continue
		}
		if j.PodID != podID {
			continue
		}
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		_ = q.client.Del(ctx, q.jobKey(id)).Err()
		intentIDs = append(intentIDs, j.IntentID)
	}
	return intentIDs, nil
}

func (q *redisQueue) Counts(ctx context.Context) (domain.QueueSnapshot, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	waiting, err := q.client.ZCount(ctx, q.key("delayed"), "-inf", now).Result()
	if err != nil {
		return domain.QueueSnapshot{}, fmt.Errorf("zcount: %w", err)
	}
	delayed, err := q.client.ZCount(ctx, q.key("delayed"), "("+now, "+inf").Result()
	if err != nil {
		return domain.QueueSnapshot{}, fmt.Errorf("zcount: %w", err)
	}
	active, err := q.client.ZCard(ctx, q.key("running")).Result()
	if err != nil {
		return domain.QueueSnapshot{}, fmt.Errorf("zcard: %w", err)
	}
	completed, _ := q.client.Get(ctx, q.key("completed_count")).Int64()
	failed, _ := q.client.Get(ctx, q.key("failed_count")).Int64()
	procSum, _ := q.client.Get(ctx, q.key("proc_ms_sum")).Int64()

	snap := domain.QueueSnapshot{
		Waiting:   int(waiting),
		Active:    int(active),
		Delayed:   int(delayed),
		Completed: int(completed),
		Failed:    int(failed),
		Healthy:   true,
	}
	if completed > 0 {
		snap.AvgProcessing = time.Duration(procSum/completed) * time.Millisecond
	}
	return snap, nil
}

func (q *redisQueue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.key("done"), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore done: %w", err)
	}
	for _, id := range ids {
		_ = q.client.Del(ctx, q.jobKey(id)).Err()
	}
	if len(ids) > 0 {
		if err := q.client.ZRemRangeByScore(ctx, q.key("done"), "-inf", max).Err(); err != nil {
			return 0, fmt.Errorf("zremrangebyscore: %w", err)
		}
	}
	return len(ids), nil
}

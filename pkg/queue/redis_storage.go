package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScript moves the earliest due task id of the first non-empty queue
// from its pending set into the processing set. KEYS[1] is the processing set,
// KEYS[2..n] are the pending sets in priority order.
var claimScript = redis.NewScript(`
for i = 2, #KEYS do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids > 0 then
		redis.call('ZREM', KEYS[i], ids[1])
		redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
		return ids[1]
	end
end
return false
`)

// RedisStorage keeps tasks in Redis: a JSON document per task, one sorted set
// of pending ids per queue scored by delivery instant, and one sorted set of
// claimed ids scored by lock expiry. Sorted set membership is the single
// source of truth for ownership, so claim, cancel and completion never race.
//
// Priority is not used for ordering: tasks are delivered in scheduled order
// and queues are polled in the order the worker lists them.
type RedisStorage struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisStorageOption configures RedisStorage.
type RedisStorageOption func(*RedisStorage)

// WithKeyPrefix sets the key namespace. The prefix is wrapped in a hash tag so
// every key of the queue lands in the same cluster slot.
func WithKeyPrefix(prefix string) RedisStorageOption {
	return func(s *RedisStorage) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets for how long finished tasks stay readable by Get.
func WithRetention(d time.Duration) RedisStorageOption {
	return func(s *RedisStorage) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithRedisClock overrides the time source. Used by tests.
func WithRedisClock(now func() time.Time) RedisStorageOption {
	return func(s *RedisStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStorage creates a Redis backed storage.
func NewRedisStorage(client redis.UniversalClient, opts ...RedisStorageOption) (*RedisStorage, error) {
	if client == nil {
		return nil, ErrRepositoryNil
	}
	s := &RedisStorage{
		client:    client,
		prefix:    "queue",
		retention: 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStorage) taskKey(id uuid.UUID) string {
	return "{" + s.prefix + "}:task:" + id.String()
}

func (s *RedisStorage) pendingKey(queue string) string {
	return "{" + s.prefix + "}:pending:" + queue
}

func (s *RedisStorage) processingKey() string {
	return "{" + s.prefix + "}:processing"
}

func (s *RedisStorage) periodicKey(name string) string {
	return "{" + s.prefix + "}:periodic:" + name
}

func (s *RedisStorage) dlqKey() string {
	return "{" + s.prefix + "}:dlq"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// CreateTask implements EnqueuerRepository and SchedulerRepository.
func (s *RedisStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	if !ok {
		return ErrDuplicateTask
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.pendingKey(task.Queue), redis.Z{Score: score(task.ScheduledAt), Member: task.ID.String()})
		if task.TaskType == TaskTypePeriodic {
			p.Set(ctx, s.periodicKey(task.TaskName), task.ID.String(), 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// GetTask implements EnqueuerRepository.
func (s *RedisStorage) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, errors.Join(ErrCorruptedTask, err)
	}
	return &task, nil
}

// CancelTask implements EnqueuerRepository.
func (s *RedisStorage) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	task, err := s.GetTask(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	removed, err := s.client.ZRem(ctx, s.pendingKey(task.Queue), id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("remove pending task: %w", err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := s.client.Del(ctx, s.taskKey(id)).Err(); err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return true, nil
}

// GetPendingTaskByName implements SchedulerRepository.
func (s *RedisStorage) GetPendingTaskByName(ctx context.Context, name string) (*Task, error) {
	raw, err := s.client.Get(ctx, s.periodicKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load periodic task index: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Join(ErrCorruptedTask, err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ClaimTask implements WorkerRepository.
func (s *RedisStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	now := s.now()
	if err := s.releaseExpiredLocks(ctx, now); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(queues)+1)
	keys = append(keys, s.processingKey())
	for _, q := range queues {
		keys = append(keys, s.pendingKey(q))
	}
	lockedUntil := now.Add(lockDuration)

	raw, err := claimScript.Run(ctx, s.client, keys, now.UnixMilli(), lockedUntil.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTaskToClaim
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Join(ErrCorruptedTask, err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Status = TaskStatusProcessing
	task.LockedUntil = &lockedUntil
	task.LockedBy = &workerID
	if err := s.save(ctx, task, 0); err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask implements WorkerRepository.
func (s *RedisStorage) CompleteTask(ctx context.Context, id uuid.UUID) error {
	task, err := s.claimed(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	task.Status = TaskStatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.TaskType == TaskTypePeriodic {
		if err := s.client.Del(ctx, s.periodicKey(task.TaskName)).Err(); err != nil {
			return fmt.Errorf("clear periodic index: %w", err)
		}
	}
	return s.save(ctx, task, s.retention)
}

// FailTask implements WorkerRepository.
func (s *RedisStorage) FailTask(ctx context.Context, id uuid.UUID, errorMsg string) error {
	task, err := s.claimed(ctx, id)
	if err != nil {
		return err
	}
	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		task.Status = TaskStatusFailed
		return s.save(ctx, task, 0)
	}

	task.Status = TaskStatusPending
	task.ScheduledAt = s.now().Add(retryBackoff(task.RetryCount))
	if err := s.save(ctx, task, 0); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.pendingKey(task.Queue), redis.Z{Score: score(task.ScheduledAt), Member: id.String()}).Err()
}

// MoveToDLQ implements WorkerRepository.
func (s *RedisStorage) MoveToDLQ(ctx context.Context, id uuid.UUID) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(newDLQEntry(task, s.now()))
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.dlqKey(), id.String(), entry)
		p.ZRem(ctx, s.processingKey(), id.String())
		p.ZRem(ctx, s.pendingKey(task.Queue), id.String())
		p.Del(ctx, s.taskKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("move task to dlq: %w", err)
	}
	return nil
}

// ExtendLock implements WorkerRepository.
func (s *RedisStorage) ExtendLock(ctx context.Context, id uuid.UUID, d time.Duration) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != TaskStatusProcessing {
		return ErrTaskNotProcessing
	}
	lockedUntil := s.now().Add(d)
	task.LockedUntil = &lockedUntil

	if err := s.client.ZAddArgs(ctx, s.processingKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: score(lockedUntil), Member: id.String()}},
	}).Err(); err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	return s.save(ctx, task, 0)
}

// DeadLetters returns every dead-lettered task.
func (s *RedisStorage) DeadLetters(ctx context.Context) ([]TasksDlq, error) {
	values, err := s.client.HGetAll(ctx, s.dlqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load dlq: %w", err)
	}
	out := make([]TasksDlq, 0, len(values))
	for _, v := range values {
		var entry TasksDlq
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, errors.Join(ErrCorruptedTask, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// claimed removes id from the processing set, proving the caller owns the task.
func (s *RedisStorage) claimed(ctx context.Context, id uuid.UUID) (*Task, error) {
	removed, err := s.client.ZRem(ctx, s.processingKey(), id.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("release claimed task: %w", err)
	}
	if removed == 0 {
		return nil, ErrTaskNotProcessing
	}
	return s.GetTask(ctx, id)
}

func (s *RedisStorage) save(ctx context.Context, task *Task, ttl time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Join(ErrPayloadMarshal, err)
	}
	if err := s.client.Set(ctx, s.taskKey(task.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// releaseExpiredLocks puts tasks of crashed workers back into their pending sets.
func (s *RedisStorage) releaseExpiredLocks(ctx context.Context, now time.Time) error {
	ids, err := s.client.ZRangeByScore(ctx, s.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan expired locks: %w", err)
	}

	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		task, err := s.claimed(ctx, id)
		if errors.Is(err, ErrTaskNotProcessing) || errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		task.Status = TaskStatusPending
		task.LockedUntil = nil
		task.LockedBy = nil
		if err := s.save(ctx, task, 0); err != nil {
			return err
		}
		if err := s.client.ZAdd(ctx, s.pendingKey(task.Queue), redis.Z{Score: score(now), Member: raw}).Err(); err != nil {
			return fmt.Errorf("requeue expired task: %w", err)
		}
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "job:"
	maxUpdateRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
// キーに TTL は付けません。期限切れの削除は Reaper が成果物と一緒に行います。
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: jobKeyPrefix,
		now:    time.Now,
	}
}

// Create はレコードを登録します（既に存在する場合はエラー）。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with jobID is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.key(record.JobID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, record.JobID)
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Update は WATCH による楽観ロックでレコードを更新します。
func (s *RedisStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := s.key(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.JobID = jobID
		record.Updated = s.now().UTC()
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update job %s: too many concurrent modifications", jobID)
}

// Delete はレコードを削除します。
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, s.key(jobID)).Err()
}

// List は SCAN で全ジョブを列挙します。
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			// SCAN 後に削除されたキー
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortByCreated(records)
	return records, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

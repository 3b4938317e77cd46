package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store はジョブレコードの保存先です。すべての操作は並行に呼び出せます。
//
// Get はレコードが存在しない場合 nil, nil を返します。
// Update は mutate がエラーを返した場合、変更を保存しません。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	Update(ctx context.Context, jobID string, mutate func(*Record) error) error
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]*Record, error)
}

// MemoryStore はプロセス内のマップにジョブを保持します。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Create はレコードを登録します。
func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("record with jobID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, record.JobID)
	}
	s.records[record.JobID] = record.Clone()
	return nil
}

// Get はレコードの複製を返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[jobID].Clone(), nil
}

// Update はロックを保持したままレコードを変更します。
func (s *MemoryStore) Update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	next.JobID = current.JobID
	next.Updated = s.now().UTC()
	s.records[jobID] = next
	return nil
}

// Delete はレコードを削除します。存在しない場合も成功とします。
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

// List は作成日時順にすべてのレコードを返します。
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func sortByCreated(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.Before(records[j].Created)
	})
}

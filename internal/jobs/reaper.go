package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/master-forge/internal/storage"
)

// Reaper は保持期間を過ぎたジョブと成果物を定期的に削除します。
type Reaper struct {
	store     Store
	files     *storage.Local
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper は Reaper を作成します。
func NewReaper(store Store, files *storage.Local, interval, retention time.Duration, logger *slog.Logger) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if interval <= 0 || retention <= 0 {
		return nil, fmt.Errorf("interval and retention must be positive (interval=%s retention=%s)", interval, retention)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:     store,
		files:     files,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start は掃除ループを起動します。二度目以降の呼び出しは無視します。
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := r.Sweep(ctx)
				if err != nil {
					r.logger.Error("job sweep failed", "error", err)
				}
				if removed > 0 {
					r.logger.Info("expired jobs removed", "count", removed)
				}
			}
		}
	}()
}

// Stop はループを止め、実行中の掃除が終わるまで待ちます。
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sweep は created が保持期間より古いジョブを削除し、削除件数を返します。
// 最近更新のある processing のジョブは処理中とみなして残します。
// レコードを先に消すので、並行して終わったワーカーは完了を記録できず自分の成果物を消します。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.retention)
	removed := 0
	var errs []error
	for _, rec := range records {
		if !rec.Created.Before(cutoff) {
			continue
		}
		if rec.Status == StatusProcessing && !rec.Updated.Before(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, rec.JobID); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", rec.JobID, err))
			continue
		}
		removed++
		if err := storage.Remove(r.filesOf(rec)...); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", rec.JobID, err))
		}
	}
	return removed, errors.Join(errs...)
}

// filesOf はジョブに属する可能性のあるファイルをすべて返します。
// 処理中に期限を迎えたジョブの入力や、記録前の成果物も対象にします。
func (r *Reaper) filesOf(rec *Record) []string {
	paths := append(rec.OutputPaths(), rec.InputPaths()...)
	if r.files != nil {
		paths = append(paths, r.files.OutputPath(rec.JobID, 16), r.files.OutputPath(rec.JobID, 24))
	}
	return paths
}

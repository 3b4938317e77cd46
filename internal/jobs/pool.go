package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull        = errors.New("job queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// RunFunc は1件のジョブを処理する関数です（通常は Worker.Run）。
type RunFunc func(ctx context.Context, jobID string) error

// Dispatcher はジョブをリクエスト処理とは別の実行コンテキストへ渡します。
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Start() error
	Shutdown(ctx context.Context) error
}

// Pool はプロセス内の固定数ゴルーチンでジョブを処理します。
type Pool struct {
	run         RunFunc
	concurrency int
	logger      *slog.Logger

	queue   chan string
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewPool は Pool を作成します。
func NewPool(run RunFunc, concurrency, queueSize int, logger *slog.Logger) (*Pool, error) {
	if run == nil {
		return nil, errors.New("run func is nil")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive: %d", concurrency)
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		run:         run,
		concurrency: concurrency,
		logger:      logger,
		queue:       make(chan string, queueSize),
	}, nil
}

// Start はワーカーを起動します。
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	if p.started {
		return nil
	}
	p.started = true
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return nil
}

// Dispatch はジョブをキューに積みます。満杯の場合は待たずに ErrQueueFull を返します。
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrDispatcherClosed
	}
	select {
	case p.queue <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Shutdown は受付を止め、キューに残ったジョブと処理中のジョブの完了を待ちます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) loop(worker int) {
	defer p.wg.Done()
	for jobID := range p.queue {
		p.execute(worker, jobID)
	}
}

func (p *Pool) execute(worker int, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job", jobID, "worker", worker, "panic", r)
		}
	}()
	// 受付元のリクエストは既に終わっているので独立したコンテキストで実行する
	if err := p.run(context.Background(), jobID); err != nil {
		p.logger.Error("job run failed", "job", jobID, "worker", worker, "error", err)
		return
	}
	p.logger.Debug("job run finished", "job", jobID, "worker", worker)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
)

const (
	taskTypeMastering = "mastering:process"
	queueMastering    = "mastering"
)

// TaskPayload はマスタリングジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher は Redis 上の Asynq キューを経由してジョブを処理します。
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	run    RunFunc
	logger *slog.Logger
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(redisURL string, concurrency int, run RunFunc, logger *slog.Logger) (*AsynqDispatcher, error) {
	if run == nil {
		return nil, errors.New("run func is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	d := &AsynqDispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueMastering: 1,
			},
			Logger: &asynqLogger{logger: logger.With("component", "asynq")},
		}),
		mux:    asynq.NewServeMux(),
		run:    run,
		logger: logger,
	}
	d.mux.HandleFunc(taskTypeMastering, d.handleTask)
	return d, nil
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start() error {
	return d.server.Start(d.mux)
}

// Shutdown はサーバーとクライアントを閉じます。処理中のタスクの完了を待ちます。
func (d *AsynqDispatcher) Shutdown(ctx context.Context) error {
	d.server.Shutdown()
	return d.client.Close()
}

// Dispatch はジョブをキューに投入します。失敗したジョブは再試行しません。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := newMasteringTask(jobID)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task, asynq.Queue(queueMastering), asynq.MaxRetry(0), asynq.TaskID(jobID))
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	d.logger.Debug("job enqueued", "job", jobID, "task", info.ID)
	return nil
}

func newMasteringTask(jobID string) (*asynq.Task, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeMastering, body), nil
}

func (d *AsynqDispatcher) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	// Asynq のシャットダウンでエンジンを止めないようキャンセルを切り離す
	if err := d.run(context.WithoutCancel(ctx), payload.JobID); err != nil {
		d.logger.Error("job run failed", "job", payload.JobID, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// asynqLogger は asynq.Logger を slog に流します。Fatal は記録後にプロセスを終了します。
type asynqLogger struct {
	logger *slog.Logger
	exit   func(code int)
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	exit := l.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
}

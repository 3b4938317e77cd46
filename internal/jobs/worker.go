package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/master-forge/internal/engine"
	"github.com/yourusername/master-forge/internal/storage"
)

// Worker は1件のジョブをエンジンに渡して結果をレコードへ反映します。
type Worker struct {
	store  Store
	engine engine.Engine
	files  *storage.Local
	logger *slog.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(store Store, eng engine.Engine, files *storage.Local, logger *slog.Logger) (*Worker, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if eng == nil {
		return nil, errors.New("engine is nil")
	}
	if files == nil {
		return nil, errors.New("files is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, engine: eng, files: files, logger: logger}, nil
}

// Run はジョブを処理します。
// マスタリング自体の失敗はレコードに記録して nil を返し、
// ストア障害などジョブ状態を更新できなかった場合のみエラーを返します。
func (w *Worker) Run(ctx context.Context, jobID string) error {
	logger := w.logger.With("job", jobID)

	var record *Record
	err := w.store.Update(ctx, jobID, func(r *Record) error {
		if err := r.MarkProcessing(); err != nil {
			return err
		}
		record = r.Clone()
		return nil
	})
	if err != nil {
		// レコードが既に消えていれば入力を拾う者はいない。重複配送で処理中の場合は触らない
		if errors.Is(err, ErrJobNotFound) {
			w.removeOrphanInputs(logger, jobID)
		}
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	// 結果に関係なく入力は消す
	defer func() {
		if err := storage.Remove(record.InputPaths()...); err != nil {
			logger.Warn("failed to remove inputs", "error", err)
		}
	}()

	started := time.Now()
	out16 := w.files.OutputPath(jobID, 16)
	out24 := w.files.OutputPath(jobID, 24)

	target, okTarget := record.Input(storage.RoleTarget)
	reference, okReference := record.Input(storage.RoleReference)
	if !okTarget || !okReference {
		cause := errors.New("job record is missing input files")
		return w.fail(ctx, logger, jobID, cause.Error(), cause, out16, out24)
	}

	req := engine.Request{
		TargetPath:    target.Path,
		ReferencePath: reference.Path,
		Outputs: []engine.Output{
			{Path: out16, BitDepth: 16},
			{Path: out24, BitDepth: 24},
		},
	}
	runErr := w.engine.Master(ctx, req, func(line string) {
		if err := w.store.Update(ctx, jobID, func(r *Record) error {
			r.SetProgress(line)
			return nil
		}); err != nil {
			logger.Warn("failed to update progress", "error", err)
		}
	})
	if runErr == nil && (!storage.Exists(out16) || !storage.Exists(out24)) {
		runErr = errors.New("engine reported success but outputs are missing")
	}
	if runErr != nil {
		return w.fail(ctx, logger, jobID, failureText(runErr, record, out16, out24), runErr, out16, out24)
	}

	if err := w.store.Update(ctx, jobID, func(r *Record) error {
		return r.MarkCompleted(out16, out24)
	}); err != nil {
		_ = storage.Remove(out16, out24)
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	logger.Info("mastering completed", "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, jobID, raw string, cause error, outputs ...string) error {
	info := ClassifyFailure(raw)
	logger.Error("mastering failed", "code", info.Code, "error", cause)

	// 途中まで書かれた成果物はレコードから参照されないので、ここで消す
	if err := storage.Remove(outputs...); err != nil {
		logger.Warn("failed to remove partial outputs", "error", err)
	}

	if err := w.store.Update(ctx, jobID, func(r *Record) error {
		return r.MarkFailed(info)
	}); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

func (w *Worker) removeOrphanInputs(logger *slog.Logger, jobID string) {
	paths, err := w.files.InputsOf(jobID)
	if err == nil {
		err = storage.Remove(paths...)
	}
	if err != nil {
		logger.Warn("failed to remove orphaned inputs", "error", err)
	}
}

// failureText は分類に使うテキストを返します。
// エンジンの出力に含まれるジョブのファイルパスとファイル名は、利用者が付けた名前が
// キーワードに一致しないよう取り除きます。
func failureText(err error, record *Record, outputs ...string) string {
	// *engine.Error の Error() は stderr を含む
	raw := err.Error()

	paths := append(record.InputPaths(), outputs...)
	names := make([]string, 0, 2*(len(paths)+len(record.Inputs)))
	for _, p := range paths {
		names = append(names, p, filepath.Base(p))
	}
	for _, in := range record.Inputs {
		names = append(names, in.OriginalName, storage.SanitizeFilename(in.OriginalName))
	}
	// 長い方から消さないとパスの一部だけが残る
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		if name != "" {
			raw = strings.ReplaceAll(raw, name, "")
		}
	}
	return raw
}

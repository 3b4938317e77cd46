package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/master-forge/internal/engine"
	"github.com/yourusername/master-forge/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFiles(t *testing.T) *storage.Local {
	t.Helper()
	root := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "processed"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return files
}

// seedJob は入力ファイルを書き込み、queued レコードを作成します。
func seedJob(t *testing.T, store Store, files *storage.Local, jobID string, created time.Time) *Record {
	t.Helper()
	return seedJobNamed(t, store, files, jobID, created, "target.wav", "reference.wav")
}

func seedJobNamed(t *testing.T, store Store, files *storage.Local, jobID string, created time.Time, targetName, referenceName string) *Record {
	t.Helper()
	var inputs []storage.StoredFile
	names := map[storage.Role]string{storage.RoleTarget: targetName, storage.RoleReference: referenceName}
	for _, role := range []storage.Role{storage.RoleTarget, storage.RoleReference} {
		path := files.InputPath(jobID, role, names[role])
		if err := os.WriteFile(path, []byte("RIFF"), 0o640); err != nil {
			t.Fatalf("write input: %v", err)
		}
		inputs = append(inputs, storage.StoredFile{Role: role, Path: path, OriginalName: names[role], Size: 4})
	}
	record := NewRecord(jobID, inputs, created)
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return record
}

// hookedStore は Delete の直前に処理を差し込めるストアです。
type hookedStore struct {
	Store
	beforeDelete func(jobID string)
}

func (s *hookedStore) Delete(ctx context.Context, jobID string) error {
	if s.beforeDelete != nil {
		s.beforeDelete(jobID)
	}
	return s.Store.Delete(ctx, jobID)
}

// writingEngine は要求された出力をすべて作成する偽エンジンです。
func writingEngine(lines ...string) engine.Func {
	return func(ctx context.Context, req engine.Request, log engine.LogFunc) error {
		for _, line := range lines {
			log(line)
		}
		for _, out := range req.Outputs {
			if err := os.WriteFile(out.Path, []byte("mastered"), 0o640); err != nil {
				return err
			}
		}
		return nil
	}
}

func failingEngine(detail string) engine.Func {
	return func(ctx context.Context, req engine.Request, log engine.LogFunc) error {
		// 途中まで書いてから失敗するケース
		_ = os.WriteFile(req.Outputs[0].Path, []byte("partial"), 0o640)
		return &engine.Error{Detail: detail}
	}
}

type recordingDispatcher struct {
	mu       sync.Mutex
	jobIDs   []string
	err      error
	started  bool
	shutdown bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobIDs = append(d.jobIDs, jobID)
	return nil
}

func (d *recordingDispatcher) Start() error {
	d.started = true
	return nil
}

func (d *recordingDispatcher) Shutdown(ctx context.Context) error {
	d.shutdown = true
	return nil
}

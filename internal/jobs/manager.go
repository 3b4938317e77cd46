// Package jobs は非同期マスタリングジョブの状態管理と実行を提供します。
//
// ジョブ状態は queued → processing → completed | error の順にのみ遷移します。
// レコードは Store が所有し、Worker は1件ずつ更新し、Reaper が期限切れを削除します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Manager はジョブの投入と状態管理、バックグラウンド処理の起動停止を担います。
type Manager struct {
	store      Store
	dispatcher Dispatcher
	reaper     *Reaper
	logger     *slog.Logger
}

// NewManager は Manager を初期化します。reaper は nil でも構いません。
func NewManager(store Store, dispatcher Dispatcher, reaper *Reaper, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		reaper:     reaper,
		logger:     logger,
	}, nil
}

// Start はワーカーと掃除ループを起動します。
func (m *Manager) Start(ctx context.Context) error {
	if err := m.dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if m.reaper != nil {
		m.reaper.Start(ctx)
	}
	return nil
}

// Shutdown は掃除ループを止め、処理中のジョブの完了を待ちます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.reaper != nil {
		m.reaper.Stop()
	}
	return m.dispatcher.Shutdown(ctx)
}

// Submit は queued のレコードを登録し、ワーカーへ渡します。
// 投入に失敗した場合はレコードを削除してエラーを返します。
func (m *Manager) Submit(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.Status != StatusQueued {
		return fmt.Errorf("%w: new job must be queued (got %s)", ErrInvalidTransition, record.Status)
	}
	if err := m.store.Create(ctx, record); err != nil {
		return err
	}
	if err := m.dispatcher.Dispatch(ctx, record.JobID); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), record.JobID); delErr != nil {
			err = fmt.Errorf("%w (cleanup failed: %v)", err, delErr)
		}
		return err
	}
	m.logger.Info("job queued", "job", record.JobID)
	return nil
}

// GetRecord はジョブ情報を取得します。存在しない場合は nil, nil を返します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// Package mastering はアップロードの受付、状態照会、成果物のダウンロードを提供します。
package mastering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/master-forge/internal/jobs"
	"github.com/yourusername/master-forge/internal/storage"
)

// AllowedExtensions はアップロードを受け付ける拡張子です（小文字、ドットなし）。
var AllowedExtensions = []string{"wav", "mp3", "flac", "aiff", "ogg"}

const defaultContentType = "audio/wav"

// JobSubmitter はジョブの登録と取得を行います（通常は jobs.Manager）。
type JobSubmitter interface {
	Submit(ctx context.Context, record *jobs.Record) error
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Download はダウンロード対象の成果物です。
type Download struct {
	JobID       string
	BitDepth    int
	Path        string
	Filename    string
	Size        int64
	ContentType string
}

// Service はマスタリングジョブの受付と成果物の提供を行います。
type Service struct {
	files  *storage.Local
	jobs   JobSubmitter
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService は Service を作成します。
func NewService(files *storage.Local, submitter JobSubmitter, logger *slog.Logger) (*Service, error) {
	if files == nil {
		return nil, errors.New("files is nil")
	}
	if submitter == nil {
		return nil, errors.New("submitter is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		files:  files,
		jobs:   submitter,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// PrepareJob は2つの入力を検証して保存し、ジョブを登録します。
// 処理の完了は待ちません。
func (s *Service) PrepareJob(ctx context.Context, target, reference *multipart.FileHeader) (*jobs.Record, error) {
	if isEmptyUpload(target) || isEmptyUpload(reference) {
		return nil, newError(CodeMissingFile, "ターゲットとリファレンスの両方の音声ファイルを選択してください。", nil)
	}
	if !allowedFile(target.Filename) || !allowedFile(reference.Filename) {
		return nil, newError(CodeUnsupportedFormat, "対応していないファイル形式です。WAV, MP3, FLAC, AIFF, OGG を使用してください。", nil)
	}

	jobID := s.newID()
	inputs := make([]storage.StoredFile, 0, 2)
	cleanup := func() {
		paths := make([]string, 0, len(inputs))
		for _, in := range inputs {
			paths = append(paths, in.Path)
		}
		if err := storage.Remove(paths...); err != nil {
			s.logger.Warn("failed to remove inputs", "job", jobID, "error", err)
		}
	}

	uploads := []struct {
		role storage.Role
		file *multipart.FileHeader
	}{
		{storage.RoleTarget, target},
		{storage.RoleReference, reference},
	}
	for _, up := range uploads {
		dst := s.files.InputPath(jobID, up.role, up.file.Filename)
		stored, err := s.files.SaveMultipart(ctx, up.role, up.file, dst)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("save %s: %w", up.role, err)
		}
		inputs = append(inputs, stored)
	}

	record := jobs.NewRecord(jobID, inputs, s.now())
	if err := s.jobs.Submit(ctx, record); err != nil {
		cleanup()
		return nil, err
	}

	s.logger.Info("upload accepted",
		"job", jobID,
		"target", target.Filename,
		"reference", reference.Filename,
		"bytes", target.Size+reference.Size,
	)
	return record, nil
}

// GetJob はジョブ情報を取得します。
func (s *Service) GetJob(ctx context.Context, jobID string) (*jobs.Record, error) {
	record, err := s.jobs.GetRecord(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, newError(CodeJobNotFound, "指定されたジョブは存在しません。", nil)
	}
	return record, nil
}

// OpenOutput は完了したジョブの成果物を開きます。呼び出し側でファイルを閉じてください。
// ダウンロード後もファイルは削除しません。
func (s *Service) OpenOutput(ctx context.Context, jobID, bitDepth string) (*Download, *os.File, error) {
	record, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	depth, ok := parseBitDepth(bitDepth)
	if !ok {
		return nil, nil, newError(CodeInvalidBitDepth, "ビット深度には 16 または 24 を指定してください。", nil)
	}
	if record.Status != jobs.StatusCompleted {
		return nil, nil, newError(CodeJobNotReady, "ジョブはまだ完了していません。", nil)
	}

	path := record.OutputFor(depth)
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, newError(CodeOutputMissing, "成果物ファイルが見つかりませんでした。", err)
	}
	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, newError(CodeOutputMissing, "成果物ファイルが見つかりませんでした。", err)
	}

	return &Download{
		JobID:       record.JobID,
		BitDepth:    depth,
		Path:        path,
		Filename:    DownloadFilename(depth),
		Size:        info.Size(),
		ContentType: detectContentType(path),
	}, file, nil
}

// DownloadFilename はクライアントに提示するファイル名です。
func DownloadFilename(bitDepth int) string {
	return fmt.Sprintf("mastered_%dbit.wav", bitDepth)
}

func parseBitDepth(raw string) (int, bool) {
	switch raw {
	case "16":
		return 16, true
	case "24":
		return 24, true
	default:
		return 0, false
	}
}

func isEmptyUpload(file *multipart.FileHeader) bool {
	return file == nil || strings.TrimSpace(file.Filename) == "" || file.Size <= 0
}

func allowedFile(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil || !strings.HasPrefix(mt.String(), "audio/") {
		return defaultContentType
	}
	return mt.String()
}

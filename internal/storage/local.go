// Package storage は入力ファイルと成果物ファイルのローカル配置を管理します。
//
// 保存先:
//   - 入力: <uploadDir>/<jobID>_<role>_<sanitized name>
//   - 成果物: <processedDir>/<jobID>_mastered_<16|24>bit.wav
//
// ファイル名には必ずジョブIDが含まれるため、ジョブ間で衝突しません。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Role は入力ファイルの役割です。
type Role string

const (
	RoleTarget    Role = "target"
	RoleReference Role = "reference"
)

const outputBaseSuffix = "_mastered.wav"

// StoredFile は保存済み入力ファイルの情報です。
type StoredFile struct {
	Role         Role   `json:"role"`
	Path         string `json:"path"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MIME         string `json:"mime,omitempty"`
}

// Local はローカルディスク上の作業ディレクトリです。
type Local struct {
	uploadDir    string
	processedDir string
}

// NewLocal はディレクトリを作成したうえで Local を返します。
func NewLocal(uploadDir, processedDir string) (*Local, error) {
	if uploadDir == "" || processedDir == "" {
		return nil, errors.New("uploadDir and processedDir are required")
	}
	for _, dir := range []string{uploadDir, processedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Local{uploadDir: uploadDir, processedDir: processedDir}, nil
}

// UploadDir は入力ファイルの保存先を返します。
func (l *Local) UploadDir() string { return l.uploadDir }

// ProcessedDir は成果物の保存先を返します。
func (l *Local) ProcessedDir() string { return l.processedDir }

// InputPath はジョブの入力ファイルの保存パスを返します。
func (l *Local) InputPath(jobID string, role Role, originalName string) string {
	name := fmt.Sprintf("%s_%s_%s", jobID, role, SanitizeFilename(originalName))
	return filepath.Join(l.uploadDir, name)
}

// OutputPath はビット深度ごとの成果物パスを返します。
// 基本名 <jobID>_mastered.wav の拡張子前にサフィックスを差し込みます。
func (l *Local) OutputPath(jobID string, bitDepth int) string {
	base := filepath.Join(l.processedDir, jobID+outputBaseSuffix)
	return strings.TrimSuffix(base, ".wav") + fmt.Sprintf("_%dbit.wav", bitDepth)
}

// InputsOf はアップロードディレクトリにあるジョブの入力ファイルを返します。
// レコードが失われたジョブの後始末に使います。
func (l *Local) InputsOf(jobID string) ([]string, error) {
	if jobID == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.uploadDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		for _, role := range []Role{RoleTarget, RoleReference} {
			if strings.HasPrefix(e.Name(), fmt.Sprintf("%s_%s_", jobID, role)) {
				paths = append(paths, filepath.Join(l.uploadDir, e.Name()))
				break
			}
		}
	}
	return paths, nil
}

// SaveMultipart はアップロードされたファイルを dst に保存します。
func (l *Local) SaveMultipart(ctx context.Context, role Role, file *multipart.FileHeader, dst string) (StoredFile, error) {
	if file == nil {
		return StoredFile{}, errors.New("file is nil")
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}

	src, err := file.Open()
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}

	size, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(dst)
		return StoredFile{}, fmt.Errorf("failed to write %s: %w", filepath.Base(dst), err)
	}

	stored := StoredFile{
		Role:         role,
		Path:         dst,
		OriginalName: file.Filename,
		Size:         size,
	}
	if mt, err := mimetype.DetectFile(dst); err == nil {
		stored.MIME = mt.String()
	}
	return stored, nil
}

// Remove は指定ファイルを削除します。存在しないファイルは無視します。
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists は通常ファイルが存在するかを返します。
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

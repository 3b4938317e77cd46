package mastering

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/master-forge/internal/jobs"
)

// UploadService はアップロードを受け付けるサービスが実装します。
type UploadService interface {
	PrepareJob(ctx context.Context, target, reference *multipart.FileHeader) (*jobs.Record, error)
}

// StatusService はジョブ状態を返すサービスが実装します。
type StatusService interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Record, error)
}

// DownloadService は成果物を開くサービスが実装します。
type DownloadService interface {
	OpenOutput(ctx context.Context, jobID, bitDepth string) (*Download, *os.File, error)
}

// LimitUploadSize はリクエスト全体のサイズ上限を適用するミドルウェアです。
// Content-Length で超過が分かる場合は本文を読む前に 413 を返します。
func LimitUploadSize(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			abortWithError(c, errPayloadTooLarge())
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// UploadHandler は POST /upload のハンドラーを返します。
func UploadHandler(svc UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			if isBodyTooLarge(err) {
				respondWithError(c, errPayloadTooLarge())
				return
			}
			respondWithError(c, newError(CodeMissingFile, "multipart/form-data で target と reference を送信してください。", err))
			return
		}
		defer form.RemoveAll()

		record, err := svc.PrepareJob(c.Request.Context(), firstFile(form, "target"), firstFile(form, "reference"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": record.JobID})
	}
}

// StatusHandler は GET /status/:id のハンドラーを返します。
func StatusHandler(svc StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := svc.GetJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, statusPayload(record))
	}
}

// DownloadHandler は GET /download/:id/:depth のハンドラーを返します。
func DownloadHandler(svc DownloadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		download, file, err := svc.OpenOutput(c.Request.Context(), c.Param("id"), c.Param("depth"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", download.Filename))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", download.JobID)
		c.DataFromReader(http.StatusOK, download.Size, download.ContentType, file, nil)
	}
}

// DownloadURL はビット深度ごとのダウンロードパスを返します。
func DownloadURL(jobID string, bitDepth int) string {
	return fmt.Sprintf("/download/%s/%d", jobID, bitDepth)
}

// statusPayload はレコードをクライアント向けに射影します。サーバー上のパスは返しません。
func statusPayload(record *jobs.Record) gin.H {
	payload := gin.H{
		"job_id":   record.JobID,
		"status":   record.Status,
		"progress": record.Progress,
		"created":  record.Created,
		"updated":  record.Updated,
	}

	files := gin.H{}
	for _, in := range record.Inputs {
		files[string(in.Role)] = in.OriginalName
	}
	if len(files) > 0 {
		payload["files"] = files
	}

	if record.Status == jobs.StatusCompleted {
		for _, depth := range []int{16, 24} {
			if path := record.OutputFor(depth); path != "" {
				payload[fmt.Sprintf("output_%dbit", depth)] = filepath.Base(path)
				payload[fmt.Sprintf("download_%dbit", depth)] = DownloadURL(record.JobID, depth)
			}
		}
	}
	if record.Status == jobs.StatusError && record.Error != nil {
		payload["error"] = record.Error.Message
		payload["error_code"] = record.Error.Code
	}
	return payload
}

func firstFile(form *multipart.Form, field string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	if files := form.File[field]; len(files) > 0 {
		return files[0]
	}
	return nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func abortWithError(c *gin.Context, err error) {
	respondWithError(c, err)
	c.Abort()
}

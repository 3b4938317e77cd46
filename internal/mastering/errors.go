package mastering

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/master-forge/internal/jobs"
)

// クライアントに返すエラーコード
const (
	CodeMissingFile       = "MISSING_FILE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeInvalidBitDepth   = "INVALID_BIT_DEPTH"
	CodeJobNotReady       = "JOB_NOT_READY"
	CodeOutputMissing     = "OUTPUT_MISSING"
	CodeServerBusy        = "SERVER_BUSY"
	CodeInternal          = "INTERNAL_ERROR"
)

var codeStatus = map[string]int{
	CodeMissingFile:       http.StatusBadRequest,
	CodeUnsupportedFormat: http.StatusBadRequest,
	CodePayloadTooLarge:   http.StatusRequestEntityTooLarge,
	CodeJobNotFound:       http.StatusNotFound,
	CodeInvalidBitDepth:   http.StatusBadRequest,
	CodeJobNotReady:       http.StatusBadRequest,
	CodeOutputMissing:     http.StatusNotFound,
	CodeServerBusy:        http.StatusServiceUnavailable,
	CodeInternal:          http.StatusInternalServerError,
}

// Error はクライアントへ返すコード付きエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func errPayloadTooLarge() *Error {
	return newError(CodePayloadTooLarge, "アップロードサイズが上限を超えています。", nil)
}

// respondWithError はエラーを {code, message} 形式の JSON で返します。
// 想定外のエラーの詳細はクライアントに返しません。
func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status, ok := codeStatus[apiErr.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		if status >= http.StatusInternalServerError && apiErr.Err != nil {
			_ = c.Error(apiErr.Err)
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    CodeServerBusy,
			"message": "現在混み合っています。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

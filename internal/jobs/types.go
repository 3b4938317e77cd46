package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/master-forge/internal/storage"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// 進捗メッセージ
const (
	ProgressStarting  = "Starting..."
	ProgressAnalyzing = "Analyzing tracks..."
	ProgressComplete  = "Mastering complete!"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string               `json:"job_id"`
	Status      Status               `json:"status"`
	Progress    string               `json:"progress"`
	Inputs      []storage.StoredFile `json:"inputs,omitempty"`
	Output16bit string               `json:"output_16bit,omitempty"`
	Output24bit string               `json:"output_24bit,omitempty"`
	Error       *ErrorInfo           `json:"error,omitempty"`
	Created     time.Time            `json:"created"`
	Updated     time.Time            `json:"updated"`
}

// NewRecord は queued 状態のレコードを作成します。
func NewRecord(jobID string, inputs []storage.StoredFile, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		JobID:    jobID,
		Status:   StatusQueued,
		Progress: ProgressStarting,
		Inputs:   append([]storage.StoredFile(nil), inputs...),
		Created:  now,
		Updated:  now,
	}
}

// Clone はストア外へ渡すための複製を返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Inputs = append([]storage.StoredFile(nil), r.Inputs...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// InputPaths は保存済み入力ファイルのパスを返します。
func (r *Record) InputPaths() []string {
	paths := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		paths = append(paths, in.Path)
	}
	return paths
}

// Input は指定された役割の入力ファイルを返します。
func (r *Record) Input(role storage.Role) (storage.StoredFile, bool) {
	for _, in := range r.Inputs {
		if in.Role == role {
			return in, true
		}
	}
	return storage.StoredFile{}, false
}

// OutputPaths は記録されている成果物のパスを返します。
func (r *Record) OutputPaths() []string {
	var paths []string
	for _, p := range []string{r.Output16bit, r.Output24bit} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// OutputFor はビット深度に対応する成果物パスを返します。
func (r *Record) OutputFor(bitDepth int) string {
	switch bitDepth {
	case 16:
		return r.Output16bit
	case 24:
		return r.Output24bit
	default:
		return ""
	}
}

// MarkProcessing は queued から processing へ遷移させます。
func (r *Record) MarkProcessing() error {
	if err := r.transition(StatusProcessing); err != nil {
		return err
	}
	r.Progress = ProgressAnalyzing
	return nil
}

// MarkCompleted は processing から completed へ遷移させ、成果物を記録します。
func (r *Record) MarkCompleted(output16, output24 string) error {
	if output16 == "" || output24 == "" {
		return fmt.Errorf("%w: completed job requires both outputs", ErrInvalidTransition)
	}
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.Progress = ProgressComplete
	r.Output16bit = output16
	r.Output24bit = output24
	r.Error = nil
	return nil
}

// MarkFailed は processing から error へ遷移させます。
func (r *Record) MarkFailed(info ErrorInfo) error {
	if err := r.transition(StatusError); err != nil {
		return err
	}
	r.Progress = info.Message
	r.Error = &info
	r.Output16bit = ""
	r.Output24bit = ""
	return nil
}

// SetProgress は処理中の進捗メッセージを更新します。終端状態では何もしません。
func (r *Record) SetProgress(message string) {
	if r.Status != StatusProcessing || message == "" {
		return
	}
	r.Progress = message
}

func (r *Record) transition(to Status) error {
	allowed := false
	switch r.Status {
	case StatusQueued:
		allowed = to == StatusProcessing
	case StatusProcessing:
		allowed = to == StatusCompleted || to == StatusError
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s (job=%s)", ErrInvalidTransition, r.Status, to, r.JobID)
	}
	r.Status = to
	return nil
}

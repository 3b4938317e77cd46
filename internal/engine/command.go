package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 標準エラーは末尾だけ保持する
const maxStderrBytes = 64 * 1024

// Command は外部コマンドとしてエンジンを呼び出します。
//
// 引数は次の形式で渡します:
//
//	<binary> <target> <reference> --pcm16 <path> --pcm24 <path>
//
// 標準出力の各行は進捗ログとして扱い、失敗時は標準エラーを Error.Detail に格納します。
type Command struct {
	binary  string
	timeout time.Duration
	run     runner
}

type runner func(ctx context.Context, binary string, args []string, onStdout func(string)) (stderr string, err error)

// NewCommand は Command を作成します。timeout が 0 の場合は無制限です。
func NewCommand(binary string, timeout time.Duration) (*Command, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("engine binary is required")
	}
	return &Command{binary: binary, timeout: timeout, run: runCommand}, nil
}

// Master はエンジンコマンドを実行し、完了まで待機します。
func (c *Command) Master(ctx context.Context, req Request, log LogFunc) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stderr, err := c.run(ctx, c.binary, Args(req), func(line string) {
		if line = strings.TrimSpace(line); line != "" && log != nil {
			log(line)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", c.timeout, ctxErr)
		}
		return &Error{Detail: stderr, Err: err}
	}
	return nil
}

// Args はリクエストをコマンドライン引数に変換します。
func Args(req Request) []string {
	args := []string{req.TargetPath, req.ReferencePath}
	for _, out := range req.Outputs {
		args = append(args, "--pcm"+strconv.Itoa(out.BitDepth), out.Path)
	}
	return args
}

func runCommand(ctx context.Context, binary string, args []string, onStdout func(string)) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start engine: %w", err)
	}

	// Wait より前に標準出力を読み切る必要がある
	scanLines(stdout, onStdout)

	if err := cmd.Wait(); err != nil {
		return stderr.String(), err
	}
	return stderr.String(), nil
}

func scanLines(r io.Reader, forward func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		forward(scanner.Text())
	}
	// 読み残しがあるとプロセスが書き込みでブロックするため捨てる
	_, _ = io.Copy(io.Discard, r)
}

type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Package engine は外部マスタリングエンジンとの呼び出し契約を定義します。
//
// エンジン本体（リファレンスマッチング処理）はブラックボックスとして扱い、
// ターゲットとリファレンスのパス、出力先とビット深度だけを渡します。
package engine

import (
	"context"
	"fmt"
	"strings"
)

// Output はエンジンに生成させる1つのレンダリングです。
type Output struct {
	Path     string
	BitDepth int
}

// Request はマスタリング1回分の入力です。
type Request struct {
	TargetPath    string
	ReferencePath string
	Outputs       []Output
}

// Validate は呼び出し前に最低限の整合性を検証します。
func (r Request) Validate() error {
	if r.TargetPath == "" || r.ReferencePath == "" {
		return fmt.Errorf("target and reference paths are required")
	}
	if len(r.Outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}
	for _, out := range r.Outputs {
		if out.Path == "" {
			return fmt.Errorf("output path is required")
		}
		if out.BitDepth != 16 && out.BitDepth != 24 {
			return fmt.Errorf("unsupported bit depth: %d", out.BitDepth)
		}
	}
	return nil
}

// LogFunc はエンジンのログ行を受け取るコールバックです。
type LogFunc func(line string)

// Engine は外部マスタリングエンジンです。
type Engine interface {
	Master(ctx context.Context, req Request, log LogFunc) error
}

// Func は関数を Engine として扱うためのアダプタです。
type Func func(ctx context.Context, req Request, log LogFunc) error

// Master は f を呼び出します。
func (f Func) Master(ctx context.Context, req Request, log LogFunc) error {
	return f(ctx, req, log)
}

// Error はエンジンが失敗した際の生の出力を保持します。
// Detail はログ用であり、クライアントには返しません。
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Detail)
	switch {
	case detail != "" && e.Err != nil:
		return fmt.Sprintf("mastering engine failed: %v: %s", e.Err, detail)
	case detail != "":
		return "mastering engine failed: " + detail
	case e.Err != nil:
		return fmt.Sprintf("mastering engine failed: %v", e.Err)
	default:
		return "mastering engine failed"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

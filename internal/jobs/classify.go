package jobs

import "strings"

// 失敗時にクライアントへ返すエラーコード
const (
	CodeOutOfMemory        = "OUT_OF_MEMORY"
	CodeSampleRateMismatch = "SAMPLE_RATE_MISMATCH"
	CodeChannelMismatch    = "CHANNEL_MISMATCH"
	CodeSilentInput        = "SILENT_INPUT"
	CodeFormatConversion   = "FORMAT_CONVERSION"
	CodeMasteringFailed    = "MASTERING_FAILED"
)

type failureRule struct {
	info     ErrorInfo
	keywords []string
}

// 先に一致したものを採用する。"sample rate" を含む変換エラーは
// サンプルレートの問題として扱いたいので形式エラーより前に置く。
var failureRules = []failureRule{
	{
		info:     ErrorInfo{Code: CodeOutOfMemory, Message: "処理中にメモリが不足しました。短いファイルで再度お試しください。"},
		keywords: []string{"memory", "cannot allocate", "bad_alloc"},
	},
	{
		info:     ErrorInfo{Code: CodeSampleRateMismatch, Message: "ターゲットとリファレンスのサンプルレートを揃えてください。"},
		keywords: []string{"sample rate", "sample_rate", "samplerate"},
	},
	{
		info:     ErrorInfo{Code: CodeChannelMismatch, Message: "チャンネル数に互換性がありません。ステレオまたはモノラルのファイルを使用してください。"},
		keywords: []string{"channel"},
	},
	{
		info:     ErrorInfo{Code: CodeSilentInput, Message: "無音、または短すぎるファイルは処理できません。"},
		keywords: []string{"silent", "silence", "empty", "too short", "zero length"},
	},
	{
		info:     ErrorInfo{Code: CodeFormatConversion, Message: "音声ファイルの変換に失敗しました。WAV形式で再度お試しください。"},
		keywords: []string{"format", "codec", "ffmpeg", "decode", "convert", "unsupported"},
	},
}

var genericFailure = ErrorInfo{
	Code:    CodeMasteringFailed,
	Message: "マスタリングに失敗しました。別のファイルで再度お試しください。",
}

// ClassifyFailure はエンジンの生のエラーテキストをクライアント向けの定型メッセージに分類します。
// キーワードの部分一致（大文字小文字を無視）による推定なので、一致しなければ汎用メッセージになります。
func ClassifyFailure(raw string) ErrorInfo {
	lower := strings.ToLower(raw)
	for _, rule := range failureRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.info
			}
		}
	}
	return genericFailure
}

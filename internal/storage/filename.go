package storage

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const fallbackStem = "audio"

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// SanitizeFilename はファイル名をパスの一要素として安全な ASCII 文字列に変換します。
// ディレクトリ区切りは除去し、拡張子は小文字で保持します。
func SanitizeFilename(name string) string {
	// Windows 形式の区切りも含めて最後の要素だけを使う
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base("/" + name)

	ext := strings.ToLower(filepath.Ext(name))
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	stem = cleanPart(stem)
	if stem == "" {
		stem = fallbackStem
	}
	ext = cleanPart(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

func cleanPart(s string) string {
	ascii, _, err := transform.String(stripMarks, s)
	if err != nil {
		ascii = s
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range ascii {
		switch {
		case r > unicode.MaxASCII:
			continue
		case unicode.IsSpace(r):
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "._")
}

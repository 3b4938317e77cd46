// Package web はランディングページのテンプレートを埋め込みます。
package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templates embed.FS

// Templates は埋め込み済みの HTML テンプレートを解析して返します。
func Templates() (*template.Template, error) {
	return template.ParseFS(templates, "templates/*.html")
}

// PageData は index.html に渡す値です。
type PageData struct {
	AllowedFormats []string
	MaxUploadMB    int64
	Preset         string
	AuthEnabled    bool
}

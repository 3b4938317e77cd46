// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Preset はアップロード上限とジョブ保持期間の組み合わせを表します。
type Preset string

const (
	// PresetStandard は 200MB / 1時間ごとの掃除 / 24時間保持です。
	PresetStandard Preset = "standard"
	// PresetHighVolume は 500MB / 30分ごとの掃除 / 2時間保持です。
	PresetHighVolume Preset = "high-volume"
)

// キューの実装種別
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"
)

type presetValues struct {
	maxUploadBytes  int64
	intervalMinutes int
	retentionMinute int
}

var presets = map[Preset]presetValues{
	PresetStandard:   {maxUploadBytes: 200 * 1024 * 1024, intervalMinutes: 60, retentionMinute: 24 * 60},
	PresetHighVolume: {maxUploadBytes: 500 * 1024 * 1024, intervalMinutes: 30, retentionMinute: 2 * 60},
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定（すべて揃っている場合のみログインを必須にする）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード・保持期間
	Preset                 Preset
	MaxUploadBytes         int64 // リクエスト全体の最大サイズ（バイト）
	CleanupIntervalMinutes int   // 期限切れジョブの掃除間隔（分）
	JobRetentionMinutes    int   // ジョブと成果物の保持期間（分）

	// ファイル配置
	UploadDir    string // 入力ファイルの一時保存先
	ProcessedDir string // マスタリング結果の保存先

	// ジョブ/キュー設定
	QueueBackend      string // memory または redis
	QueueRedisURL     string // Redis接続URL（redis バックエンド時）
	WorkerConcurrency int    // 同時に処理するジョブ数
	WorkerQueueSize   int    // メモリキューの待ち行列長

	// マスタリングエンジン
	EnginePath           string // エンジン実行ファイルのパス
	EngineTimeoutMinutes int    // 0 の場合はタイムアウトなし

	// ログ
	LogLevel  string // debug, info, warn, error
	LogFormat string // text または json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	preset := Preset(strings.ToLower(getEnv("PRESET", string(PresetStandard))))
	defaults, ok := presets[preset]
	if !ok {
		return nil, fmt.Errorf("unknown PRESET %q (standard or high-volume)", preset)
	}

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "5000"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5000"),

		Preset:                 preset,
		MaxUploadBytes:         getEnvAsInt64("MAX_UPLOAD_BYTES", defaults.maxUploadBytes),
		CleanupIntervalMinutes: getEnvAsInt("CLEANUP_INTERVAL_MINUTES", defaults.intervalMinutes),
		JobRetentionMinutes:    getEnvAsInt("JOB_RETENTION_MINUTES", defaults.retentionMinute),

		UploadDir:    getEnv("UPLOAD_DIR", "/tmp/uploads"),
		ProcessedDir: getEnv("PROCESSED_DIR", "/tmp/processed"),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendMemory)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		WorkerQueueSize:   getEnvAsInt("WORKER_QUEUE_SIZE", 64),

		EnginePath:           getEnv("MASTERING_ENGINE_PATH", "matchering-cli"),
		EngineTimeoutMinutes: getEnvAsInt("ENGINE_TIMEOUT_MINUTES", 0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if _, ok := presets[c.Preset]; !ok {
		return fmt.Errorf("unknown PRESET %q", c.Preset)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive")
	}
	if c.JobRetentionMinutes <= 0 {
		return fmt.Errorf("JOB_RETENTION_MINUTES must be positive")
	}
	if c.UploadDir == "" || c.ProcessedDir == "" {
		return fmt.Errorf("UPLOAD_DIR and PROCESSED_DIR are required")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.EngineTimeoutMinutes < 0 {
		return fmt.Errorf("ENGINE_TIMEOUT_MINUTES must not be negative")
	}

	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q (memory or redis)", c.QueueBackend)
	}

	// 認証は任意だが、本番で中途半端な設定は許さない
	if c.GinMode == "release" {
		set := 0
		for _, v := range []string{c.AppUsername, c.AppPasswordHash, c.SessionSecret} {
			if v != "" {
				set++
			}
		}
		if set != 0 && set != 3 {
			return fmt.Errorf("APP_USERNAME, APP_PASSWORD_HASH and SESSION_SECRET must be set together in release mode")
		}
	}

	return nil
}

// AuthEnabled はログイン必須にするだけの認証情報が揃っているかを返します。
func (c *Config) AuthEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != "" && c.SessionSecret != ""
}

// CleanupInterval は掃除間隔を返します。
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// JobRetention はジョブの保持期間を返します。
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionMinutes) * time.Minute
}

// EngineTimeout はエンジン呼び出しのタイムアウトを返します（0 は無制限）。
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.EngineTimeoutMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

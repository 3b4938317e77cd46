// Package main はマスタリングサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/master-forge/internal/auth"
	"github.com/yourusername/master-forge/internal/config"
	"github.com/yourusername/master-forge/internal/engine"
	"github.com/yourusername/master-forge/internal/mastering"
	"github.com/yourusername/master-forge/web"
)

const (
	serviceName    = "master-forge"
	serviceVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	eng, err := engine.NewCommand(cfg.EnginePath, cfg.EngineTimeout())
	if err != nil {
		return err
	}
	rt, err := setupJobs(cfg, eng, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	svc, err := mastering.NewService(rt.files, rt.manager, logger)
	if err != nil {
		return err
	}

	var guard *auth.Guard
	if cfg.AuthEnabled() {
		guard, err = auth.NewGuard(auth.Credentials{
			Username:     cfg.AppUsername,
			PasswordHash: cfg.AppPasswordHash,
		}, auth.DefaultLimiterPolicy, logger.With("component", "auth"))
		if err != nil {
			return err
		}
	}

	gin.SetMode(cfg.GinMode)
	router, err := newRouter(cfg, svc, guard)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.manager.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", server.Addr,
			"mode", cfg.GinMode,
			"preset", cfg.Preset,
			"backend", cfg.QueueBackend,
			"auth", cfg.AuthEnabled(),
		)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = rt.manager.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 新規受付を止めてから処理中のジョブを待つ
	httpErr := server.Shutdown(shutdownCtx)
	jobsErr := rt.manager.Shutdown(shutdownCtx)
	return errors.Join(httpErr, jobsErr)
}

// newRouter はミドルウェアとルートを設定したルーターを返します。guard が nil の場合は認証なしです。
func newRouter(cfg *config.Config, svc *mastering.Service, guard *auth.Guard) (*gin.Engine, error) {
	// gin.Default と同じ Logger, Recovery
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", auth.CSRFHeader}
	// ブラウザが CSRF トークンと Content-Disposition を読めるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader, "Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	if guard != nil {
		store := cookie.NewStore([]byte(cfg.SessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   auth.SessionMaxAgeSeconds(),
			HttpOnly: true,
			Secure:   cfg.GinMode == gin.ReleaseMode,
			SameSite: http.SameSiteStrictMode,
		})
		router.Use(sessions.Sessions(auth.SessionCookieName, store))
	}

	tmpl, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	setupRoutes(router, cfg, svc, guard)
	return router, nil
}

// setupRoutes は公開ルートと（必要なら）ログイン必須のルートを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *mastering.Service, guard *auth.Guard) {
	router.GET("/health", handleHealth)
	router.GET("/", indexHandler(cfg, guard != nil))

	if guard == nil {
		mastering.RegisterRoutes(router, svc, cfg.MaxUploadBytes)
		return
	}

	authRoutes := router.Group("/auth")
	{
		// ログイン前はセッションがないので CSRF 検証はしない
		authRoutes.POST("/login", guard.Login)
		authRoutes.GET("/session", guard.Session)
		authRoutes.POST("/logout", guard.RequireLogin(), guard.VerifyCSRF(), guard.Logout)
	}

	protected := router.Group("", guard.RequireLogin(), guard.VerifyCSRF())
	mastering.RegisterRoutes(protected, svc, cfg.MaxUploadBytes)
}

// handleHealth はヘルスチェックのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

func indexHandler(cfg *config.Config, authEnabled bool) gin.HandlerFunc {
	formats := make([]string, 0, len(mastering.AllowedExtensions))
	for _, ext := range mastering.AllowedExtensions {
		formats = append(formats, strings.ToUpper(ext))
	}
	data := web.PageData{
		AllowedFormats: formats,
		MaxUploadMB:    cfg.MaxUploadBytes / (1024 * 1024),
		Preset:         string(cfg.Preset),
		AuthEnabled:    authEnabled,
	}
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", data)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5000"}
	}
	return origins
}

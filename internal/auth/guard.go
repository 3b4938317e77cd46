// Package auth は任意のログイン機能（セッションと CSRF 検証）を提供します。
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SessionCookieName はセッションクッキーの名前です。
	SessionCookieName = "mf_session"
	// CSRFHeader は unsafe メソッドで必須のヘッダーです。
	CSRFHeader = "X-CSRF-Token"
	// ContextUserKey はログイン済みユーザー名を gin.Context に置くキーです。
	ContextUserKey = "auth.user"

	keyUser       = "user"
	keyIssuedAt   = "issued_at"
	keyLastActive = "last_active"
	keyCSRF       = "csrf"
)

var (
	sessionLifetime = 12 * time.Hour
	idleTimeout     = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に使う秒数です。
func SessionMaxAgeSeconds() int {
	return int(sessionLifetime.Seconds())
}

// Credentials はログインに使う認証情報です。
type Credentials struct {
	Username     string
	PasswordHash string // bcrypt
}

// Guard はログイン API とセッション検証ミドルウェアをまとめます。
type Guard struct {
	creds   Credentials
	limiter *attemptLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuard は Guard を作成します。
func NewGuard(creds Credentials, policy LimiterPolicy, logger *slog.Logger) (*Guard, error) {
	if creds.Username == "" || creds.PasswordHash == "" {
		return nil, errors.New("username and password hash are required")
	}
	if _, err := bcrypt.Cost([]byte(creds.PasswordHash)); err != nil {
		return nil, errors.New("password hash is not a bcrypt hash")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		creds:   creds,
		limiter: newAttemptLimiter(policy),
		logger:  logger,
		now:     time.Now,
	}, nil
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// Login は POST /auth/login のハンドラーです。JSON とフォームの両方を受け付けます。
func (g *Guard) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		reject(c, http.StatusBadRequest, "INVALID_INPUT", "username と password を送信してください。")
		return
	}

	ip := c.ClientIP()
	if wait := g.limiter.retryAfter(ip); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
		reject(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "しばらくしてから再度お試しください。")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(g.creds.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(g.creds.PasswordHash), []byte(req.Password)) == nil
	if !userOK || !passOK {
		remaining := g.limiter.fail(ip)
		g.logger.Warn("login failed", "ip", ip, "remaining", remaining)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません。",
			"remainingAttempts": remaining,
		})
		return
	}
	g.limiter.reset(ip)

	token, err := newToken()
	if err != nil {
		reject(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました。")
		return
	}

	now := g.now().Unix()
	session := sessions.Default(c)
	session.Clear()
	session.Set(keyUser, g.creds.Username)
	session.Set(keyIssuedAt, now)
	session.Set(keyLastActive, now)
	session.Set(keyCSRF, token)
	if err := session.Save(); err != nil {
		reject(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました。")
		return
	}

	c.Header(CSRFHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /auth/logout のハンドラーです。
func (g *Guard) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		reject(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの削除に失敗しました。")
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は GET /auth/session のハンドラーです。ページ再読み込み時に CSRF トークンを返します。
func (g *Guard) Session(c *gin.Context) {
	session := sessions.Default(c)
	if g.check(session) != "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	token, _ := session.Get(keyCSRF).(string)
	c.Header(CSRFHeader, token)
	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"user":          session.Get(keyUser),
	})
}

// RequireLogin はセッションを検証し、期限切れなら破棄して 401 を返します。
func (g *Guard) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if code := g.check(session); code != "" {
			if code != "UNAUTHORIZED" {
				session.Clear()
				_ = session.Save()
			}
			reject(c, http.StatusUnauthorized, code, unauthorizedMessages[code])
			return
		}

		session.Set(keyLastActive, g.now().Unix())
		_ = session.Save()
		c.Set(ContextUserKey, session.Get(keyUser))
		c.Next()
	}
}

// VerifyCSRF は unsafe メソッドで X-CSRF-Token を検証します。
func (g *Guard) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		expected, _ := sessions.Default(c).Get(keyCSRF).(string)
		if expected == "" {
			reject(c, http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません。")
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(CSRFHeader))) != 1 {
			reject(c, http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません。")
			return
		}
		c.Next()
	}
}

var unauthorizedMessages = map[string]string{
	"UNAUTHORIZED":         "ログインが必要です。",
	"SESSION_EXPIRED":      "セッションの有効期限が切れました。",
	"SESSION_IDLE_TIMEOUT": "しばらく操作がなかったため再ログインしてください。",
}

// check は有効なセッションなら空文字を、そうでなければエラーコードを返します。
func (g *Guard) check(session sessions.Session) string {
	if user, _ := session.Get(keyUser).(string); user == "" {
		return "UNAUTHORIZED"
	}
	now := g.now()
	issued := unixTime(session.Get(keyIssuedAt))
	if issued.IsZero() || now.Sub(issued) > sessionLifetime {
		return "SESSION_EXPIRED"
	}
	last := unixTime(session.Get(keyLastActive))
	if last.IsZero() || now.Sub(last) > idleTimeout {
		return "SESSION_IDLE_TIMEOUT"
	}
	return ""
}

func reject(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": message})
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// unixTime はクッキーストアの gob 復元で型が揺れる値を秒として読みます。
func unixTime(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

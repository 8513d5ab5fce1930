package auth

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	loginWindow      = 15 * time.Minute
	lockDuration     = 10 * time.Minute
	maxLoginAttempts = 5
)

// CredentialsHandler は単一ユーザーのパスワードログインでトークンを発行します。
type CredentialsHandler struct {
	manager      *Manager
	username     string
	passwordHash string
	attempts     *attemptLimiter
}

// NewCredentialsHandler は CredentialsHandler を作成します。
// passwordHash は bcrypt でハッシュ化された値です。
func NewCredentialsHandler(manager *Manager, username, passwordHash string) *CredentialsHandler {
	return &CredentialsHandler{
		manager:      manager,
		username:     username,
		passwordHash: passwordHash,
		attempts:     newAttemptLimiter(loginWindow, lockDuration, maxLoginAttempts),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login はアクセストークンとリフレッシュトークンを返すハンドラーです。
func (h *CredentialsHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if h.username == "" || h.passwordHash == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": "ログイン用の資格情報が設定されていません",
		})
		return
	}

	key := c.ClientIP()
	if wait := h.attempts.lockedFor(key); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "ログイン試行回数の上限に達しました。しばらくしてから再度お試しください",
		})
		return
	}

	if req.Username != h.username || !h.verifyPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": h.attempts.fail(key),
		})
		return
	}
	h.attempts.reset(key)

	access, err := h.manager.CreateAccessToken(h.username, true, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "トークンの生成に失敗しました",
		})
		return
	}
	refresh, err := h.manager.CreateRefreshToken(h.username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "トークンの生成に失敗しました",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int64(h.manager.AccessTokenExpires().Seconds()),
	})
}

// Refresh はリフレッシュトークンから新しいアクセストークンを発行します。
// RequireRefreshJWT の後ろに登録してください。
func (h *CredentialsHandler) Refresh(c *gin.Context) {
	identity := Identity(c)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "AUTHORIZATION_REQUIRED",
			"message": "リフレッシュトークンが必要です",
		})
		return
	}
	access, err := h.manager.CreateAccessToken(identity, false, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "トークンの生成に失敗しました",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": access,
		"expires_in":   int64(h.manager.AccessTokenExpires().Seconds()),
	})
}

// Logout は提示されたトークンを失効させます。
// RequireJWT または RequireRefreshJWT の後ろに登録してください。
func (h *CredentialsHandler) Logout(c *gin.Context) {
	claims, ok := ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "AUTHORIZATION_REQUIRED",
			"message": "ログインが必要です",
		})
		return
	}
	if err := h.manager.Revoke(c.Request.Context(), claims); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "REVOKE_FAILED",
			"message": "トークンの失効に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CredentialsHandler) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(password)) == nil
}

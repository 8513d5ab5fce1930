package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextIdentityKey は検証済みトークンの sub を共有するためのキーです。
	ContextIdentityKey = "auth.identity"
	// ContextClaimsKey は検証済みクレームを共有するためのキーです。
	ContextClaimsKey = "auth.claims"

	// queryTokenParam はヘッダーを付けられないクライアント（WebSocket 等）向けのクエリ名です。
	queryTokenParam = "access_token"
)

// RequireJWT は有効なアクセストークンを要求するミドルウェアを返します。
func (m *Manager) RequireJWT() gin.HandlerFunc {
	return m.require(TokenAccess, false, false)
}

// RequireFreshJWT はログイン直後に発行された fresh なアクセストークンを要求します。
func (m *Manager) RequireFreshJWT() gin.HandlerFunc {
	return m.require(TokenAccess, true, false)
}

// RequireRefreshJWT はリフレッシュトークンを要求するミドルウェアを返します。
func (m *Manager) RequireRefreshJWT() gin.HandlerFunc {
	return m.require(TokenRefresh, false, false)
}

// OptionalJWT はトークンがあれば検証し、なければそのまま通すミドルウェアを返します。
func (m *Manager) OptionalJWT() gin.HandlerFunc {
	return m.require(TokenAccess, false, true)
}

func (m *Manager) require(want TokenType, fresh, optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractToken(c)
		if raw == "" {
			if optional {
				c.Next()
				return
			}
			c.Header("WWW-Authenticate", `Bearer realm="api"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "AUTHORIZATION_REQUIRED",
				"message": "Authorization ヘッダーにトークンを指定してください",
			})
			return
		}

		claims, err := m.Parse(c.Request.Context(), raw, want)
		if err != nil {
			respondTokenError(c, err)
			return
		}
		if fresh && !claims.Fresh {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "FRESH_TOKEN_REQUIRED",
				"message": "再ログインが必要です",
			})
			return
		}

		c.Set(ContextIdentityKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

func respondTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "TOKEN_EXPIRED",
			"message": "トークンの有効期限が切れました",
		})
	case errors.Is(err, ErrTokenRevoked):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "TOKEN_REVOKED",
			"message": "トークンは失効しています",
		})
	case errors.Is(err, ErrWrongTokenType):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"code":    "WRONG_TOKEN_TYPE",
			"message": "トークンの種別が正しくありません",
		})
	case errors.Is(err, ErrInvalidToken):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"code":    "INVALID_TOKEN",
			"message": "トークンを検証できませんでした",
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "トークンの検証中にエラーが発生しました",
		})
	}
}

func extractToken(c *gin.Context) string {
	if authz := c.GetHeader("Authorization"); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query(queryTokenParam)
}

// Identity はミドルウェアが保存した sub を返します。未認証の場合は空文字です。
func Identity(c *gin.Context) string {
	return c.GetString(ContextIdentityKey)
}

// ClaimsFrom はミドルウェアが保存したクレームを返します。
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

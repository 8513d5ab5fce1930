// Package auth は JWT の発行・検証と、それを使う Gin ミドルウェアを提供します。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// TokenType はトークンの種別です。
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

const (
	// DefaultAccessTokenExpires はアクセストークンの既定の有効期限です。
	DefaultAccessTokenExpires = 7 * 24 * time.Hour
	// DefaultRefreshTokenExpires はリフレッシュトークンの既定の有効期限です。
	DefaultRefreshTokenExpires = 14 * 24 * time.Hour
)

var (
	ErrMissingSecret  = errors.New("jwt secret key is required")
	ErrMissingToken   = errors.New("token is missing")
	ErrInvalidToken   = errors.New("token is invalid")
	ErrTokenExpired   = errors.New("token has expired")
	ErrWrongTokenType = errors.New("token type mismatch")
	ErrTokenRevoked   = errors.New("token has been revoked")
)

// Claims はこのパッケージが発行するトークンのクレームです。
type Claims struct {
	Type  TokenType      `json:"type"`
	Fresh bool           `json:"fresh"`
	Extra map[string]any `json:"extra,omitempty"`
	jwt.RegisteredClaims
}

// Options は Manager の設定です。
type Options struct {
	SecretKey           string
	AccessTokenExpires  time.Duration
	RefreshTokenExpires time.Duration
	Issuer              string
	// Blocklist を指定すると失効済みトークンを拒否します。
	Blocklist Blocklist
}

// Manager は HS256 のトークンを発行・検証します。
type Manager struct {
	secret         []byte
	accessExpires  time.Duration
	refreshExpires time.Duration
	issuer         string
	blocklist      Blocklist
	now            func() time.Time
}

// NewManager は Manager を作成します。有効期限が未指定の場合は既定値を使用します。
func NewManager(opts Options) (*Manager, error) {
	if opts.SecretKey == "" {
		return nil, ErrMissingSecret
	}
	if opts.AccessTokenExpires <= 0 {
		opts.AccessTokenExpires = DefaultAccessTokenExpires
	}
	if opts.RefreshTokenExpires <= 0 {
		opts.RefreshTokenExpires = DefaultRefreshTokenExpires
	}
	return &Manager{
		secret:         []byte(opts.SecretKey),
		accessExpires:  opts.AccessTokenExpires,
		refreshExpires: opts.RefreshTokenExpires,
		issuer:         opts.Issuer,
		blocklist:      opts.Blocklist,
		now:            time.Now,
	}, nil
}

// AccessTokenExpires はアクセストークンの有効期限を返します。
func (m *Manager) AccessTokenExpires() time.Duration {
	return m.accessExpires
}

// RefreshTokenExpires はリフレッシュトークンの有効期限を返します。
func (m *Manager) RefreshTokenExpires() time.Duration {
	return m.refreshExpires
}

// CreateAccessToken はアクセストークンを発行します。
func (m *Manager) CreateAccessToken(identity string, fresh bool, extra map[string]any) (string, error) {
	return m.sign(identity, TokenAccess, fresh, extra, m.accessExpires)
}

// CreateRefreshToken はリフレッシュトークンを発行します。
func (m *Manager) CreateRefreshToken(identity string) (string, error) {
	return m.sign(identity, TokenRefresh, false, nil, m.refreshExpires)
}

func (m *Manager) sign(identity string, typ TokenType, fresh bool, extra map[string]any, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", errors.New("identity is required")
	}
	now := m.now()
	claims := &Claims{
		Type:  typ,
		Fresh: fresh,
		Extra: extra,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証し、期待する種別であればクレームを返します。
func (m *Manager) Parse(ctx context.Context, tokenString string, want TokenType) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if m.issuer != "" && claims.Issuer != m.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrWrongTokenType, want, claims.Type)
	}

	if m.blocklist != nil {
		revoked, err := m.blocklist.Contains(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check blocklist: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Revoke はトークンを有効期限まで失効させます。Blocklist が未設定の場合はエラーです。
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	if m.blocklist == nil {
		return errors.New("blocklist is not configured")
	}
	if claims == nil || claims.ID == "" {
		return ErrInvalidToken
	}
	until := m.now().Add(m.refreshExpires)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	return m.blocklist.Add(ctx, claims.ID, until)
}

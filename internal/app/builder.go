// Package app は Gin エンジンと CORS・JWT・WebSocket・レート制限の設定をまとめる
// ビルダーを提供します。
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/tjfu/internal/auth"
	"github.com/yourusername/tjfu/internal/config"
	"github.com/yourusername/tjfu/internal/ratelimit"
	"github.com/yourusername/tjfu/internal/route"
)

// AfterRequestFunc はレスポンスヘッダーが書き込まれる直前に呼ばれます。
type AfterRequestFunc func(c *gin.Context)

// Builder は App の設定を順に積み上げるビルダーです。
// 各メソッドは自身を返すのでメソッドチェーンで記述できます。
type Builder struct {
	hostName       string
	hostPort       int
	rootPath       string
	indexRoute     *route.Route
	socketRoot     string
	templateFolder string
	staticFolder   string

	ignoreCORS     bool
	allowedOrigins []string

	jwtSecretKey           string
	jwtAccessTokenExpires  time.Duration
	jwtRefreshTokenExpires time.Duration
	jwtBlocklist           auth.Blocklist

	sessionSecret string
	afterRequest  AfterRequestFunc

	defaultLimits      string
	limiterStorageURI  string
	limiterKeyFunc     ratelimit.KeyFunc
	socketMessageQueue string

	debug     bool
	logOutput bool
	logger    *zap.Logger
}

// NewBuilder は既定値で初期化されたビルダーを返します。
func NewBuilder() *Builder {
	return &Builder{
		hostName:               "0.0.0.0",
		hostPort:               8080,
		rootPath:               ".",
		socketRoot:             "socket",
		templateFolder:         "templates",
		staticFolder:           "static",
		ignoreCORS:             true,
		jwtAccessTokenExpires:  auth.DefaultAccessTokenExpires,
		jwtRefreshTokenExpires: auth.DefaultRefreshTokenExpires,
		limiterStorageURI:      "memory://",
		logOutput:              true,
	}
}

// FromConfig は環境変数由来の設定からビルダーを作成します。IndexRoute は別途指定してください。
func FromConfig(cfg *config.Config) *Builder {
	b := NewBuilder()
	if cfg == nil {
		return b
	}
	return b.
		HostName(cfg.HostName).
		HostPort(cfg.Port).
		RootPath(cfg.RootPath).
		SocketRoot(cfg.SocketRoot).
		TemplateFolder(cfg.TemplateFolder).
		StaticFolder(cfg.StaticFolder).
		IgnoreCORS(cfg.IgnoreCORS).
		AllowedOrigins(cfg.AllowedOrigins()...).
		JWTSecretKey(cfg.JWTSecretKey).
		JWTAccessTokenExpires(cfg.JWTAccessTokenExpires).
		JWTRefreshTokenExpires(cfg.JWTRefreshTokenExpires).
		SessionSecret(cfg.SessionSecret).
		DefaultLimits(cfg.RateLimitDefault).
		LimiterStorageURI(cfg.RateLimitStorageURI).
		SocketMessageQueue(cfg.SocketMessageQueue).
		Debug(cfg.Debug()).
		LogOutput(cfg.LogOutput)
}

// HostName は待ち受けホスト名を設定します。
func (b *Builder) HostName(v string) *Builder { b.hostName = v; return b }

// HostPort は待ち受けポートを設定します。
func (b *Builder) HostPort(v int) *Builder { b.hostPort = v; return b }

// RootPath はテンプレート/静的ファイルの基準ディレクトリを設定します。
func (b *Builder) RootPath(v string) *Builder { b.rootPath = v; return b }

// IndexRoute はエンジン直下に登録するルートを設定します。
func (b *Builder) IndexRoute(r *route.Route) *Builder { b.indexRoute = r; return b }

// SocketRoot は WebSocket 名前空間のルートを設定します。
func (b *Builder) SocketRoot(v string) *Builder { b.socketRoot = v; return b }

// TemplateFolder は RootPath からのテンプレートディレクトリを設定します。
func (b *Builder) TemplateFolder(v string) *Builder { b.templateFolder = v; return b }

// StaticFolder は RootPath からの静的ファイルディレクトリを設定します。
func (b *Builder) StaticFolder(v string) *Builder { b.staticFolder = v; return b }

// IgnoreCORS が true の場合、HTTP と WebSocket の両方ですべてのオリジンを許可します。
func (b *Builder) IgnoreCORS(v bool) *Builder { b.ignoreCORS = v; return b }

// AllowedOrigins は IgnoreCORS が false の場合に許可するオリジンです。
func (b *Builder) AllowedOrigins(origins ...string) *Builder {
	b.allowedOrigins = origins
	return b
}

// JWTSecretKey を設定すると JWT が有効になります。
func (b *Builder) JWTSecretKey(v string) *Builder { b.jwtSecretKey = v; return b }

// JWTAccessTokenExpires はアクセストークンの有効期限を設定します。
func (b *Builder) JWTAccessTokenExpires(v time.Duration) *Builder {
	b.jwtAccessTokenExpires = v
	return b
}

// JWTRefreshTokenExpires はリフレッシュトークンの有効期限を設定します。
func (b *Builder) JWTRefreshTokenExpires(v time.Duration) *Builder {
	b.jwtRefreshTokenExpires = v
	return b
}

// JWTBlocklist はトークン失効に使う Blocklist を設定します。
// 未指定で JWT が有効な場合はメモリ上の Blocklist を使用します。
func (b *Builder) JWTBlocklist(v auth.Blocklist) *Builder { b.jwtBlocklist = v; return b }

// SessionSecret を設定するとクッキーセッションが有効になります。
func (b *Builder) SessionSecret(v string) *Builder { b.sessionSecret = v; return b }

// AfterRequest は全レスポンスに適用するフックを設定します。
func (b *Builder) AfterRequest(fn AfterRequestFunc) *Builder { b.afterRequest = fn; return b }

// DefaultLimits は全ルートに適用する制限式を設定します（例: "200 per day;50 per hour"）。
func (b *Builder) DefaultLimits(expr string) *Builder { b.defaultLimits = expr; return b }

// LimiterStorageURI はレート制限のストレージを設定します（memory:// / redis://）。
func (b *Builder) LimiterStorageURI(v string) *Builder { b.limiterStorageURI = v; return b }

// LimiterKeyFunc はレート制限のキーの取り出し方を設定します。
func (b *Builder) LimiterKeyFunc(fn ratelimit.KeyFunc) *Builder { b.limiterKeyFunc = fn; return b }

// SocketMessageQueue は複数プロセスで emit を共有する Redis URL を設定します。
func (b *Builder) SocketMessageQueue(v string) *Builder { b.socketMessageQueue = v; return b }

// Debug は Gin を debug モードで動かします。
func (b *Builder) Debug(v bool) *Builder { b.debug = v; return b }

// LogOutput はアクセスログの出力有無を設定します。
func (b *Builder) LogOutput(v bool) *Builder { b.logOutput = v; return b }

// Logger はロガーを設定します。未指定の場合は出力しません。
func (b *Builder) Logger(l *zap.Logger) *Builder { b.logger = l; return b }

func (b *Builder) validate() error {
	var errs []error
	if b.hostName == "" {
		errs = append(errs, errors.New("host name is required"))
	}
	if b.hostPort <= 0 || b.hostPort > 65535 {
		errs = append(errs, fmt.Errorf("host port must be between 1 and 65535, got %d", b.hostPort))
	}
	if b.rootPath == "" {
		errs = append(errs, errors.New("root path is required"))
	}
	if strings.Trim(b.socketRoot, "/") == "" {
		errs = append(errs, errors.New("socket root is required"))
	}
	if b.indexRoute == nil {
		errs = append(errs, errors.New("index route is required"))
	} else if err := b.indexRoute.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !b.ignoreCORS && len(b.allowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed origins are required when CORS is not ignored"))
	}
	if b.jwtSecretKey != "" && (b.jwtAccessTokenExpires <= 0 || b.jwtRefreshTokenExpires <= 0) {
		errs = append(errs, errors.New("jwt token expiry must be positive"))
	}
	return errors.Join(errs...)
}

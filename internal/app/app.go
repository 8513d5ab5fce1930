package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/tjfu/internal/auth"
	"github.com/yourusername/tjfu/internal/logging"
	"github.com/yourusername/tjfu/internal/ratelimit"
	"github.com/yourusername/tjfu/internal/socket"
)

const (
	// SessionCookieName はクッキーセッションの名前です。
	SessionCookieName = "tjfu_session"

	sessionMaxAge   = 7 * 24 * 60 * 60
	shutdownTimeout = 10 * time.Second
)

// ErrJWTDisabled は JWT の秘密鍵が未設定の場合のエラーです。
var ErrJWTDisabled = errors.New("jwt is not configured")

// App は設定済みの Gin エンジンとソケット・JWT・レート制限をまとめたものです。
type App struct {
	engine  *gin.Engine
	addr    string
	logger  *zap.Logger
	jwt     *auth.Manager
	hub     *socket.Hub
	limiter *ratelimit.Limiter

	// closers は Run 終了時に閉じる追加リソースです（Blocklist 用 Redis など）。
	closers []func() error

	limitSeq  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Build は設定を検証し App を組み立てます。
func (b *Builder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %w", err)
	}
	var defaults []ratelimit.Limit
	if strings.TrimSpace(b.defaultLimits) != "" {
		var err error
		defaults, err = ratelimit.ParseLimits(b.defaultLimits)
		if err != nil {
			return nil, fmt.Errorf("invalid default limits: %w", err)
		}
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if b.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &App{
		addr:   net.JoinHostPort(b.hostName, strconv.Itoa(b.hostPort)),
		logger: logger,
	}
	// 途中で失敗した場合に作成済みのリソースを閉じる
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	storage, err := ratelimit.NewStorage(b.limiterStorageURI, logger)
	if err != nil {
		return nil, err
	}
	limiterOpts := []ratelimit.Option{
		ratelimit.WithDefaultLimits(defaults...),
		ratelimit.WithLogger(logger),
	}
	if b.limiterKeyFunc != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithKeyFunc(b.limiterKeyFunc))
	}
	a.limiter = ratelimit.New(storage, limiterOpts...)

	if b.jwtSecretKey != "" {
		blocklist, err := b.blocklist(a)
		if err != nil {
			return nil, err
		}
		a.jwt, err = auth.NewManager(auth.Options{
			SecretKey:           b.jwtSecretKey,
			AccessTokenExpires:  b.jwtAccessTokenExpires,
			RefreshTokenExpires: b.jwtRefreshTokenExpires,
			Blocklist:           blocklist,
		})
		if err != nil {
			return nil, err
		}
	}

	hubOpts := []socket.Option{socket.WithLogger(logger)}
	if !b.ignoreCORS {
		hubOpts = append(hubOpts, socket.WithAllowedOrigins(b.allowedOrigins))
	}
	if a.jwt != nil {
		hubOpts = append(hubOpts, socket.WithIdentity(auth.Identity))
	}
	var broker *socket.RedisBroker
	if b.socketMessageQueue != "" {
		broker, err = socket.NewRedisBrokerFromURL(b.socketMessageQueue, logger)
		if err != nil {
			return nil, err
		}
		hubOpts = append(hubOpts, socket.WithBroker(broker))
	}
	a.hub, err = socket.NewHub(b.socketRoot, hubOpts...)
	if err != nil {
		// ブローカーは Hub の Close で閉じるため、ここでは直接閉じる
		if broker != nil {
			_ = broker.Close()
		}
		return nil, err
	}

	a.engine, err = b.newEngine(a)
	if err != nil {
		return nil, err
	}
	ok = true

	logger.Info("app built",
		zap.String("addr", a.addr),
		zap.String("index", b.indexRoute.URLPrefix()),
		zap.String("socket_root", a.hub.Path("")),
		zap.Bool("jwt", a.jwt != nil),
		zap.Int("default_limits", len(defaults)),
	)
	return a, nil
}

// blocklist は JWT 失効リストを決定します。
// レート制限が Redis の場合は同じ Redis を共有します。
func (b *Builder) blocklist(a *App) (auth.Blocklist, error) {
	if b.jwtBlocklist != nil {
		return b.jwtBlocklist, nil
	}
	if !strings.HasPrefix(b.limiterStorageURI, "redis://") && !strings.HasPrefix(b.limiterStorageURI, "rediss://") {
		return auth.NewMemoryBlocklist(), nil
	}
	opt, err := redis.ParseURL(b.limiterStorageURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.closers = append(a.closers, rdb.Close)
	return auth.NewRedisBlocklist(rdb), nil
}

func (b *Builder) newEngine(a *App) (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if b.logOutput {
		engine.Use(logging.Middleware(a.logger))
	}
	// CORS のプリフライトは中断されるため、フックはその前に置く
	if b.afterRequest != nil {
		engine.Use(afterRequestMiddleware(b.afterRequest))
	}
	engine.Use(cors.New(b.corsConfig()))

	if b.sessionSecret != "" {
		store := cookie.NewStore([]byte(b.sessionSecret))
		store.Options(sessions.Options{
			Path:     "/",
			MaxAge:   sessionMaxAge,
			HttpOnly: true,
			Secure:   !b.debug,
			SameSite: http.SameSiteLaxMode,
		})
		engine.Use(sessions.Sessions(SessionCookieName, store))
	}
	engine.Use(a.limiter.Default())

	socketHandlers := []gin.HandlerFunc{}
	if a.jwt != nil {
		socketHandlers = append(socketHandlers, a.jwt.OptionalJWT())
	}
	socketHandlers = append(socketHandlers, a.hub.GinHandler())

	if err := mountRoutes(func() {
		if b.templateFolder != "" {
			templates := filepath.Join(b.rootPath, b.templateFolder, "*")
			if matches, err := filepath.Glob(templates); err == nil && len(matches) > 0 {
				engine.LoadHTMLGlob(templates)
			}
		}
		if name := filepath.Base(filepath.Clean(b.staticFolder)); b.staticFolder != "" && name != "." && name != "/" {
			staticDir := filepath.Join(b.rootPath, b.staticFolder)
			if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
				engine.Static("/"+name, staticDir)
			}
		}
		b.indexRoute.Mount(engine)
		engine.GET(a.hub.RoutePattern(), socketHandlers...)
	}); err != nil {
		return nil, err
	}
	return engine, nil
}

// mountRoutes はテンプレート読み込みとルート登録時の Gin の panic
// （パスの衝突やテンプレートの構文エラー）をエラーに変換します。
func mountRoutes(mount func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to mount routes: %v", r)
		}
	}()
	mount()
	return nil
}

func (b *Builder) corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	if b.ignoreCORS {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = b.allowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	corsConfig.ExposeHeaders = []string{
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		"Retry-After",
	}
	return corsConfig
}

// Engine は組み立て済みの Gin エンジンです。ルートの追加にも使えます。
func (a *App) Engine() *gin.Engine {
	return a.engine
}

// Handler は http.Handler として App を返します。
func (a *App) Handler() http.Handler {
	return a.engine
}

// Addr は待ち受けアドレスです。
func (a *App) Addr() string {
	return a.addr
}

// JWT は JWT マネージャーを返します。秘密鍵が未設定の場合は ErrJWTDisabled です。
func (a *App) JWT() (*auth.Manager, error) {
	if a.jwt == nil {
		return nil, ErrJWTDisabled
	}
	return a.jwt, nil
}

// Hub はソケットハブを返します。
func (a *App) Hub() *socket.Hub {
	return a.hub
}

// Limit はルート単位の制限ミドルウェアを返します。呼び出しごとに独立したカウンターを持ちます。
func (a *App) Limit(expr string) (gin.HandlerFunc, error) {
	limits, err := ratelimit.ParseLimits(expr)
	if err != nil {
		return nil, err
	}
	scope := "route-" + strconv.FormatInt(a.limitSeq.Add(1), 10)
	return a.limiter.Middleware(scope, limits...), nil
}

// RegisterSocketHandler はソケットハンドラーを登録します。
func (a *App) RegisterSocketHandler(h socket.Handler) error {
	if err := a.hub.On(h); err != nil {
		return err
	}
	a.logger.Debug("socket handler registered",
		zap.String("namespace", a.hub.Path(h.Namespace)),
		zap.String("event", h.Event),
	)
	return nil
}

// Emit はハンドラーの名前空間とイベント名で全接続へ送信します。
func (a *App) Emit(ctx context.Context, h socket.Handler, message any) error {
	return a.hub.Emit(ctx, h.Target(), message)
}

// Run はサーバーを起動し、ctx がキャンセルされるとグレースフルシャットダウンします。
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.addr, err)
	}
	return a.serve(ctx, srv, ln)
}

func (a *App) serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		_ = a.Close()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// WebSocket はハイジャック済みで Shutdown の対象外なので先に閉じる
	hubErr := a.hub.Close()
	shutdownErr := srv.Shutdown(shutdownCtx)
	return errors.Join(hubErr, shutdownErr, a.Close())
}

// Close はハブ・レート制限ストレージ・追加リソースを閉じます。複数回呼んでも安全です。
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.hub != nil {
			errs = append(errs, a.hub.Close())
		}
		if a.limiter != nil {
			errs = append(errs, a.limiter.Close())
		}
		for _, c := range a.closers {
			errs = append(errs, c())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

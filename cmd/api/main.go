// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/tjfu/internal/app"
	"github.com/yourusername/tjfu/internal/auth"
	"github.com/yourusername/tjfu/internal/config"
	"github.com/yourusername/tjfu/internal/logging"
	"github.com/yourusername/tjfu/internal/route"
	"github.com/yourusername/tjfu/internal/socket"
)

const (
	serviceName    = "tjfu-api"
	serviceVersion = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 誰でも叩けるヘルスチェックはインデックスルートにぶら下げる
	index := route.New("index", "/").GET("/health", handleHealth)

	a, err := app.FromConfig(cfg).
		IndexRoute(index).
		Logger(logger).
		Build()
	if err != nil {
		return err
	}

	if err := setupAPI(a, cfg); err != nil {
		_ = a.Close()
		return err
	}
	if err := setupSocket(a); err != nil {
		_ = a.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": serviceVersion,
	})
}

// setupAPI は API ルートと認証周りの配線を行います。JWT が無効な場合は何もしません。
func setupAPI(a *app.App, cfg *config.Config) error {
	m, err := a.JWT()
	if errors.Is(err, app.ErrJWTDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	loginLimit, err := a.Limit("5 per minute")
	if err != nil {
		return err
	}
	creds := auth.NewCredentialsHandler(m, cfg.AppUsername, cfg.AppPasswordHash)

	api := route.New("api", "/api")
	authRoutes := route.New("auth", "/auth").
		POST("/login", loginLimit, creds.Login).
		POST("/refresh", m.RequireRefreshJWT(), creds.Refresh).
		POST("/logout", m.RequireJWT(), creds.Logout)
	if err := api.Register(authRoutes); err != nil {
		return err
	}

	// 今後追加する API はここにぶら下げる
	api.GET("/me", m.RequireJWT(), handleMe)

	api.Mount(a.Engine())
	return nil
}

func handleMe(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"identity": auth.Identity(c),
		"fresh":    claims != nil && claims.Fresh,
	})
}

// setupSocket は chat 名前空間にエコーハンドラーを登録します。
func setupSocket(a *app.App) error {
	handlers := []socket.Handler{
		{
			Namespace: "chat",
			Event:     socket.EventConnect,
			Handle: func(c *socket.Conn, _ json.RawMessage) error {
				return c.Emit("welcome", gin.H{"id": c.ID(), "identity": c.Identity()})
			},
		},
		{
			Namespace: "chat",
			Event:     "echo",
			Handle: func(c *socket.Conn, data json.RawMessage) error {
				return c.Emit("echo", data)
			},
		},
	}
	for _, h := range handlers {
		if err := a.RegisterSocketHandler(h); err != nil {
			return err
		}
	}
	return nil
}

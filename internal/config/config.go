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

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	HostName string // 待ち受けホスト名
	Port     int    // 待ち受けポート番号
	GinMode  string // Ginの実行モード (debug, release, test)

	// パス設定
	RootPath       string // テンプレート/静的ファイルの基準ディレクトリ
	SocketRoot     string // WebSocket 名前空間のルート
	TemplateFolder string // RootPath からのテンプレートディレクトリ
	StaticFolder   string // RootPath からの静的ファイルディレクトリ

	// CORS設定
	IgnoreCORS         bool   // true の場合すべてのオリジンを許可
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// JWT設定
	JWTSecretKey           string        // 空の場合 JWT は無効
	JWTAccessTokenExpires  time.Duration // アクセストークンの有効期限
	JWTRefreshTokenExpires time.Duration // リフレッシュトークンの有効期限

	// セッション設定
	SessionSecret string // クッキー署名鍵（空の場合セッションは無効）

	// レート制限設定
	RateLimitDefault    string // 全ルート共通の制限（例: "200 per day;50 per hour"）
	RateLimitStorageURI string // memory:// または redis://

	// ソケット設定
	SocketMessageQueue string // 複数プロセス間で emit を共有する Redis URL

	// ログイン設定（デモ用）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード

	// ログ設定
	LogOutput bool   // アクセスログを出力するか
	LogLevel  string // zap のログレベル
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		HostName: getEnv("HOST_NAME", "0.0.0.0"),
		Port:     getEnvAsInt("PORT", 8080),
		GinMode:  getEnv("GIN_MODE", "debug"),

		RootPath:       getEnv("ROOT_PATH", "."),
		SocketRoot:     getEnv("SOCKET_ROOT", "socket"),
		TemplateFolder: getEnv("TEMPLATE_FOLDER", "templates"),
		StaticFolder:   getEnv("STATIC_FOLDER", "static"),

		IgnoreCORS:         getEnvAsBool("IGNORE_CORS", true),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		JWTSecretKey:           getEnv("JWT_SECRET_KEY", ""),
		JWTAccessTokenExpires:  getEnvAsDuration("JWT_ACCESS_TOKEN_EXPIRES", 7*24*time.Hour),
		JWTRefreshTokenExpires: getEnvAsDuration("JWT_REFRESH_TOKEN_EXPIRES", 14*24*time.Hour),

		SessionSecret: getEnv("SESSION_SECRET", ""),

		RateLimitDefault:    getEnv("RATELIMIT_DEFAULT", ""),
		RateLimitStorageURI: getEnv("RATELIMIT_STORAGE_URI", "memory://"),

		SocketMessageQueue: getEnv("SOCKET_MESSAGE_QUEUE", ""),

		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),

		LogOutput: getEnvAsBool("LOG_OUTPUT", true),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
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

// Debug は debug モードで動作しているかを返します。
func (c *Config) Debug() bool {
	return c.GinMode == "debug"
}

// AllowedOrigins は CORSAllowedOrigins を配列に変換します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.JWTAccessTokenExpires <= 0 {
		return fmt.Errorf("JWT_ACCESS_TOKEN_EXPIRES must be positive")
	}
	if c.JWTRefreshTokenExpires <= 0 {
		return fmt.Errorf("JWT_REFRESH_TOKEN_EXPIRES must be positive")
	}
	if (c.AppUsername == "") != (c.AppPasswordHash == "") {
		return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH must be set together")
	}
	if !c.IgnoreCORS && len(c.AllowedOrigins()) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required when IGNORE_CORS is false")
	}

	// 本番環境では署名鍵を必須とする
	if c.GinMode == "release" {
		if c.AppUsername != "" && c.JWTSecretKey == "" {
			return fmt.Errorf("JWT_SECRET_KEY is required in release mode when login is enabled")
		}
	}

	return nil
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

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します。
// "168h" のような Go の表記のほか、整数は秒数として扱います。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

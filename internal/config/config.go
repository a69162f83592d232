// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Persona API / OAuth
	SecondMeClientID        string
	SecondMeClientSecret    string
	SecondMeRedirectURI     string
	SecondMeOAuthURL        string
	SecondMeTokenEndpoint   string
	SecondMeRefreshEndpoint string
	SecondMeAPIBaseURL      string
	UpstreamTimeout         time.Duration
	ChatStreamTimeout       time.Duration
	EgressGuard             bool

	// Session
	SessionMaxAge int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitChat    int

	// Logging / Tracing
	LogLevel    string
	LogFile     string
	TraceStdout bool

	// Worker
	CleanupInterval time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.BaseURL = required("BASE_URL")
	cfg.SecondMeClientID = required("SECONDME_CLIENT_ID")
	cfg.SecondMeClientSecret = required("SECONDME_CLIENT_SECRET")
	cfg.SecondMeRedirectURI = required("SECONDME_REDIRECT_URI")
	cfg.SecondMeOAuthURL = required("SECONDME_OAUTH_URL")
	cfg.SecondMeTokenEndpoint = required("SECONDME_TOKEN_ENDPOINT")
	cfg.SecondMeAPIBaseURL = required("SECONDME_API_BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SecondMeRefreshEndpoint = getEnvString("SECONDME_REFRESH_ENDPOINT", cfg.SecondMeTokenEndpoint)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 10*time.Second)
	cfg.ChatStreamTimeout = getEnvDuration("CHAT_STREAM_TIMEOUT", 5*time.Minute)
	cfg.EgressGuard = getEnvBool("EGRESS_GUARD", true)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitChat = getEnvInt("RATE_LIMIT_CHAT", 20)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFile = getEnvString("LOG_FILE", "")
	cfg.TraceStdout = getEnvBool("TRACE_STDOUT", false)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

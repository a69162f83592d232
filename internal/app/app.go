// Package app はサブコマンドの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/personachat/internal/auth"
	"github.com/hitoshi/personachat/internal/chat"
	"github.com/hitoshi/personachat/internal/config"
	"github.com/hitoshi/personachat/internal/database"
	"github.com/hitoshi/personachat/internal/handler"
	"github.com/hitoshi/personachat/internal/logger"
	"github.com/hitoshi/personachat/internal/metrics"
	"github.com/hitoshi/personachat/internal/middleware"
	"github.com/hitoshi/personachat/internal/persona"
	"github.com/hitoshi/personachat/internal/repository"
	"github.com/hitoshi/personachat/internal/security"
	"github.com/hitoshi/personachat/internal/telemetry"
	"github.com/hitoshi/personachat/internal/worker/cleanup"
)

// Version はビルド時に -ldflags で上書きされる。
var Version = "dev"

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// 返されるio.Closerでログファイルを閉じる。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, logger.Options{})

	// 2. .envは任意。既に設定済みの環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 4. 設定に従ってログを再構成する
	_, closer := logger.SetupDefault(w, logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	return cfg, closer, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.RequiresConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, closer, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer closer.Close()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// Server はAPIサーバーの構成要素をまとめたもの。
type Server struct {
	Handler     http.Handler
	RateLimiter *middleware.RateLimiter
}

// NewServer は設定と依存関係からAPIサーバーのハンドラーを構築する。
// dbはヘルスチェックとリポジトリで共有する。
func NewServer(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*Server, error) {
	// 1. 上流への通信経路
	guard, err := security.NewEgressGuardForURLs(cfg.EgressGuard,
		cfg.SecondMeAPIBaseURL, cfg.SecondMeTokenEndpoint, cfg.SecondMeRefreshEndpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	for _, raw := range []string{cfg.SecondMeAPIBaseURL, cfg.SecondMeTokenEndpoint, cfg.SecondMeRefreshEndpoint} {
		if err := guard.ValidateURL(raw); err != nil {
			return nil, fmt.Errorf("upstream URL rejected by egress guard: %w", err)
		}
	}
	// ストリーミング応答全体を含むため、長い方のタイムアウトをクライアントに設定する
	httpClient := guard.NewClient(max(cfg.UpstreamTimeout, cfg.ChatStreamTimeout))

	// 2. メトリクス
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	chatSessionRepo := repository.NewPostgresChatSessionRepo(db)
	messageRepo := repository.NewPostgresMessageRepo(db)

	// 4. ドメインサービスの初期化
	personaClient := persona.NewClient(persona.Config{
		APIBaseURL:   cfg.SecondMeAPIBaseURL,
		OAuthURL:     cfg.SecondMeOAuthURL,
		TokenURL:     cfg.SecondMeTokenEndpoint,
		RefreshURL:   cfg.SecondMeRefreshEndpoint,
		ClientID:     cfg.SecondMeClientID,
		ClientSecret: cfg.SecondMeClientSecret,
		RedirectURI:  cfg.SecondMeRedirectURI,
		CallTimeout:  cfg.UpstreamTimeout,
	}, httpClient, slog.Default(), collector)

	authService := auth.NewService(
		personaClient, userRepo, sessionRepo, security.NewProfileSanitizer(),
		collector, slog.Default(),
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	relay := chat.NewRelay(personaClient, chatSessionRepo, messageRepo, collector, slog.Default(),
		chat.RelayConfig{StreamTimeout: cfg.ChatStreamTimeout},
	)
	history := chat.NewHistory(chatSessionRepo)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitChat),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		UserResolver:      authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: authService.SessionMaxAge(),
		},

		Persona: personaClient,
		Relay:   relay,
		History: history,
	})

	slog.Info("server dependencies wired",
		slog.Bool("egress_guard", guard.Enabled()),
		slog.String("upstream_host", hostOf(cfg.SecondMeAPIBaseURL)),
	)

	return &Server{Handler: router, RateLimiter: rateLimiter}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. トレーシング
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{Stdout: cfg.TraceStdout, Version: Version})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to shut down tracing", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 3. メトリクスレジストリ
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := NewServer(cfg, db, reg)
	if err != nil {
		return err
	}
	defer srv.RateLimiter.Stop()

	// 4. HTTPサーバーの起動
	// チャットのストリームは長時間続くため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// baseShutdownTimeout はストリーム以外のリクエストの終了を待つ時間。
const baseShutdownTimeout = 30 * time.Second

// shutdownTimeout はグレースフルシャットダウンの待ち時間を返す。
// チャットのターンはクライアント切断後もCHAT_STREAM_TIMEOUTまで続き、
// 応答の保存にDBを使うため、その上限より長く待ってからDBを閉じる。
func shutdownTimeout(cfg *config.Config) time.Duration {
	return max(baseShutdownTimeout, cfg.ChatStreamTimeout+baseShutdownTimeout)
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	cleanup.NewCleanupJob(db, slog.Default()).Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// url.UserはString()で"*"をエスケープするため、認証情報は外してから文字列で差し込む。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	hasUser := u.User != nil
	u.User = nil
	u.RawQuery = ""
	masked := u.String()
	if hasUser {
		masked = strings.Replace(masked, "://", "://***@", 1)
	}
	return masked
}

// hostOf はログ出力用にURLのホスト部分だけを返す。
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return db, nil
}

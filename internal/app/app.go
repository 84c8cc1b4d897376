package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/authhub/internal/activity"
	"github.com/hitoshi/authhub/internal/auth"
	"github.com/hitoshi/authhub/internal/config"
	"github.com/hitoshi/authhub/internal/database"
	"github.com/hitoshi/authhub/internal/handler"
	"github.com/hitoshi/authhub/internal/logger"
	"github.com/hitoshi/authhub/internal/metrics"
	"github.com/hitoshi/authhub/internal/middleware"
	"github.com/hitoshi/authhub/internal/repository"
	"github.com/hitoshi/authhub/internal/security"
	"github.com/hitoshi/authhub/internal/session"
	"github.com/hitoshi/authhub/internal/task"
	"github.com/hitoshi/authhub/internal/user"
	"github.com/hitoshi/authhub/internal/worker/sweep"
	"github.com/hitoshi/authhub/internal/ws"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandSweep:
		return runSweep(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildProviders は設定済みのOAuthプロバイダーのマップを構築する。
// client idとsecretの両方が設定されたプロバイダーのみ有効化される。
func buildProviders(cfg *config.Config) map[string]auth.OAuthProvider {
	providerClient := security.NewProviderClient(cfg.ProviderTimeout)
	providers := make(map[string]auth.OAuthProvider)

	if cfg.GoogleEnabled() {
		providers["google"] = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   providerClient,
		})
	}
	if cfg.GitHubEnabled() {
		providers["github"] = auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			HTTPClient:   providerClient,
		})
	}

	if len(providers) == 0 {
		slog.Warn("no OAuth provider is configured; all login attempts will fail")
	}
	return providers
}

// detachedActivitySink はアクティビティ登録をバックグラウンドタスクとして実行する。
// 永続化はSupervisorのトランザクションスコープ内で行われ、
// 失敗時はロールバックされる。登録失敗はログインを失敗させない。
type detachedActivitySink struct {
	supervisor *task.Supervisor
	activities *activity.Service
}

func (d *detachedActivitySink) Register(_ context.Context, userID, action string, data json.RawMessage) error {
	d.supervisor.RunWithTx("activity_register", func(ctx context.Context, tx *sql.Tx) error {
		return d.activities.RegisterTx(ctx, tx, userID, action, data)
	})
	return nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)

	// 4. Broadcast Hubとバックグラウンドタスクの初期化
	hub := ws.NewHub(slog.Default(), collector)
	supervisor := task.NewSupervisor(db, slog.Default(), collector)

	// 5. ドメインサービスの初期化
	sessionService := session.NewService(sessionRepo, session.Config{
		Lifetime:      cfg.SessionLifetime,
		RetentionDays: cfg.SessionRetentionDays,
	})
	activityService := activity.NewService(activityRepo, hub, slog.Default())
	userService := user.NewService(userRepo, sessionService, slog.Default())

	authService := auth.NewService(
		buildProviders(cfg),
		userRepo,
		identRepo,
		sessionService,
		&detachedActivitySink{supervisor: supervisor, activities: activityService},
		security.NewProfileSanitizer(),
		auth.ServiceConfig{DisableMultipleSessions: cfg.DisableMultipleSessions},
	)

	// 6. WebSocketハンドラーの構築
	// セッションはオプショナルセッションミドルウェアで解決済み。
	// 未認証の接続は登録前にクローズコード4001で切断される。
	wsResolver := func(r *http.Request) string {
		if s, ok := middleware.SessionFromContext(r.Context()); ok {
			return s.UserID
		}
		return ""
	}
	wsHandler := ws.NewHandler(hub, wsResolver, slog.Default(), cfg.WSSendBuffer,
		[]string{cfg.CORSAllowedOrigin})

	// 7. レートリミッターの構築
	authLimiter := middleware.NewSlidingWindowLimiter(middleware.SlidingWindowConfig{
		MaxCalls:        cfg.AuthRateLimitMax,
		Period:          cfg.AuthRateLimitPeriod,
		CleanupInterval: 5 * time.Minute,
	})
	defer authLimiter.Stop()

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		CleanupInterval: 5 * time.Minute,
	})
	defer rateLimiter.Stop()

	// 8. ルーターの構築
	authHandlerConfig := handler.AuthHandlerConfig{
		BaseURL:       cfg.BaseURL,
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: int(cfg.SessionLifetime.Seconds()),
	}
	router := handler.NewRouter(&handler.RouterDeps{
		AuthHandler: handler.NewAuthHandler(
			authService, sessionService, userRepo, collector, authHandlerConfig),
		SessionHandler:    handler.NewSessionHandler(sessionService),
		ActivityHandler:   handler.NewActivityHandler(activityService),
		AccountHandler:    handler.NewAccountHandler(userService, authHandlerConfig),
		WSHandler:         wsHandler,
		SessionValidator:  sessionService,
		AuthLimiter:       authLimiter,
		RateLimiter:       rateLimiter,
		Collector:         collector,
		MetricsHandler:    metrics.Handler(registry),
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		CookieDomain:      cfg.CookieDomain,
	})

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 処理中のバックグラウンドタスクの完了を待つ
	supervisor.Shutdown(10 * time.Second)

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、セッションスイープを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, sessionService, err := openSessionService(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	slog.Info("database connection established (worker)")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	job := sweep.NewSweepJob(sessionService, slog.Default(), collector)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
	)

	// スイープをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSweep はセッションスイープを1回だけ実行する。
// cronなど外部スケジューラからの起動用サブコマンド。
func runSweep(cfg *config.Config) error {
	db, sessionService, err := openSessionService(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	job := sweep.NewSweepJob(sessionService, slog.Default(), nil)
	return job.Run(context.Background())
}

// openSessionService はDB接続を開きセッションサービスを構築する。
// workerモードとsweepサブコマンドで共用する。
func openSessionService(cfg *config.Config) (*sql.DB, *session.Service, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sessionService := session.NewService(repository.NewPostgresSessionRepo(db), session.Config{
		Lifetime:      cfg.SessionLifetime,
		RetentionDays: cfg.SessionRetentionDays,
	})
	return db, sessionService, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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

// closeDB はDB接続のクローズを5秒で打ち切る。
// コネクションプールが手放されない場合でもシャットダウンをブロックしない。
func closeDB(db *sql.DB) {
	done := make(chan error, 1)
	go func() { done <- db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("failed to close database", slog.String("error", err.Error()))
		}
	case <-time.After(5 * time.Second):
		slog.Warn("database close timed out")
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

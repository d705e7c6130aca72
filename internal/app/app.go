package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/dashboard/internal/config"
	"github.com/hitoshi/dashboard/internal/database"
	"github.com/hitoshi/dashboard/internal/handler"
	"github.com/hitoshi/dashboard/internal/logger"
	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/middleware"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/source"
	"github.com/hitoshi/dashboard/internal/worker/maintenance"
)

// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。ctxがキャンセルされるとサーバーとワーカーは停止する。
// capsにはコンテンツ提供元のCapabilityを渡す。
func Run(ctx context.Context, w io.Writer, args []string, caps ...source.Capability) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		Usage(w)
		return err
	}

	// help と healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	switch cmd {
	case CommandHelp:
		Usage(w)
		return nil
	case CommandHealthcheck:
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
		slog.String("server_id", cfg.ServerID),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, caps)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg, caps)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	pool := database.DefaultPoolConfig()
	pool.MaxOpenConns = cfg.DBMaxOpenConns
	if pool.MaxIdleConns > pool.MaxOpenConns {
		pool.MaxIdleConns = pool.MaxOpenConns
	}

	db, err := database.Open(cfg.DatabaseURL, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newMetrics はプロセス単位のレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe は管理APIサーバーモードで起動する。
// DB接続を開き、依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, caps []source.Capability) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. ドメインサービスの初期化
	reg, collector := newMetrics()
	domain, err := NewDomain(repository.NewPostgresUnitOfWork(db), cfg, collector, slog.Default(), caps...)
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.AdminRateLimit), slog.Default())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		TaskLocks:     domain.Coordinator,
		RateLimiter:   rateLimiter,
		Metrics:       metrics.Handler(reg),
		Observer:      collector,
		Logger:        slog.Default(),
	})

	// 4. HTTPサーバーの起動
	return serveHTTP(ctx, newServer(cfg.ServerPort, router), "API server")
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、メンテナンスタスクのスケジューラを起動する。
// /healthと/metricsは同じポートで公開する。
func runWorker(ctx context.Context, cfg *config.Config, caps []source.Capability) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 2. ドメインサービスとタスクの初期化
	reg, collector := newMetrics()
	uow := repository.NewPostgresUnitOfWork(db)
	domain, err := NewDomain(uow, cfg, collector, slog.Default(), caps...)
	if err != nil {
		return err
	}

	tasks := domain.MaintenanceTasks(uow, db)
	runner := maintenance.NewRunner(domain.Coordinator, tasks, collector, slog.Default())

	// 3. 監視用HTTPサーバーをバックグラウンドで起動
	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		TaskLocks:     domain.Coordinator,
		Metrics:       metrics.Handler(reg),
		Observer:      collector,
		Logger:        slog.Default(),
	})
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- serveHTTP(ctx, newServer(cfg.ServerPort, router), "worker metrics server")
	}()

	slog.Info("worker starting",
		slog.String("schedule", cfg.MaintenanceSchedule),
		slog.Int("task_count", len(tasks)),
	)

	// 4. スケジューラをメインgoroutineで実行（ブロッキング）
	if err := runner.Start(ctx, cfg.MaintenanceSchedule); err != nil {
		return err
	}

	if err := <-serverDone; err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

func newServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveHTTP はctxがキャンセルされるまでserverを動かし、その後グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, server *http.Server, name string) error {
	listenErr := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			slog.Error("server listen error", slog.String("error", err.Error()))
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用し、適用後のバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/carmarket/internal/auth"
	"github.com/hitoshi/carmarket/internal/cache"
	"github.com/hitoshi/carmarket/internal/config"
	"github.com/hitoshi/carmarket/internal/database"
	"github.com/hitoshi/carmarket/internal/docstore"
	"github.com/hitoshi/carmarket/internal/events"
	"github.com/hitoshi/carmarket/internal/handler"
	"github.com/hitoshi/carmarket/internal/listing"
	"github.com/hitoshi/carmarket/internal/logger"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/objectstore"
	"github.com/hitoshi/carmarket/internal/repository"
	"github.com/hitoshi/carmarket/internal/security"
	"github.com/hitoshi/carmarket/internal/session"
	"github.com/hitoshi/carmarket/internal/tracing"
	"github.com/hitoshi/carmarket/internal/worker/cleanup"
)

const (
	serviceName = "carmarket"

	// セッションストアの放置チェック間隔
	storePruneInterval = time.Minute
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := lookupCommand(args)

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

	if !known {
		slog.Warn("unknown command, falling back to serve",
			slog.String("command", args[0]),
		)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("storage_driver", cfg.StorageDriver),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB・ドキュメントストア・オブジェクトストレージへの接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続（ユーザー・セッション）
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. トレーシング
	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// 3. ドキュメントストア（出品）
	mongoClient, err := docstore.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("failed to connect to document store: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			slog.Warn("document store disconnect failed", slog.String("error", err.Error()))
		}
	}()
	docs := docstore.NewMongoStore(mongoClient.Database(cfg.MongoDatabase))

	slog.Info("document store connection established",
		slog.String("database", cfg.MongoDatabase),
	)

	// 4. オブジェクトストレージ（画像）
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}

	// 5. キャッシュ・イベント
	listingCache, err := newListingCache(ctx, cfg)
	if err != nil {
		return err
	}
	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	// 6. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 7. 認証とセッションストア
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	provider := auth.NewLocalProvider(userRepo, sessionRepo, auth.LocalProviderConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	}, slog.Default())

	stores := session.NewRegistry(provider, slog.Default())
	defer stores.Close()
	go stores.RunPruner(ctx, storePruneInterval, cfg.SessionIdleTTL)

	// 8. 出品の読み書き
	reader := listing.NewReader(docs, listingCache, collector, slog.Default())
	writer := listing.NewWriter(listing.WriterDeps{
		Docs:          docs,
		Objects:       objects,
		Cache:         listingCache,
		Events:        publisher,
		Sanitizer:     security.NewTextSanitizer(),
		Metrics:       collector,
		Logger:        slog.Default(),
		MaxUploadSize: cfg.MaxUploadSize,
	})

	// 9. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router, err := handler.NewRouter(&handler.RouterDeps{
		HealthChecker: db,
		Stores:        stores,
		ClientCookie: middleware.ClientCookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		GuardResolveWait:  cfg.GuardResolveWait,

		Metrics:  collector,
		Gatherer: registry,
		Logger:   slog.Default(),

		Auth: provider,

		Reader:        reader,
		Writer:        writer,
		MaxUploadSize: cfg.MaxUploadSize,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newObjectStore はSTORAGE_DRIVERに応じた画像ストレージを生成する。
func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverS3:
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.PublicBaseURL,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to init s3 storage: %w", err)
		}
		return store, nil
	default:
		store, err := objectstore.NewMinIOStore(ctx, objectstore.MinIOConfig{
			Endpoint:      cfg.MinIOEndpoint,
			AccessKey:     cfg.MinIOAccessKey,
			SecretKey:     cfg.MinIOSecretKey,
			Bucket:        cfg.MinIOBucket,
			UseSSL:        cfg.MinIOUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to init minio storage: %w", err)
		}
		return store, nil
	}
}

// newListingCache はREDIS_ADDRが設定されていればRedisキャッシュを、なければ何もしないキャッシュを返す。
func newListingCache(ctx context.Context, cfg *config.Config) (cache.ListingCache, error) {
	if cfg.RedisAddr == "" {
		return cache.NopListingCache{}, nil
	}
	client, err := cache.NewRedisClient(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("listing cache enabled",
		slog.String("addr", cfg.RedisAddr),
		slog.Duration("ttl", cfg.ListingCacheTTL),
	)
	return cache.NewRedisListingCache(client, cfg.ListingCacheTTL), nil
}

// newPublisher はNATS_URLが設定されていればNATSへのパブリッシャーを返す。
// 戻り値の関数で接続を閉じる。
func newPublisher(cfg *config.Config) (events.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}, func() {}, nil
	}
	publisher, err := events.NewNATSPublisher(cfg.NATSURL, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return publisher, publisher.Close, nil
}

// rateLimiterConfig はreq/min単位の設定値をreq/secのリミッター設定に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitUpload > 0 {
		rlCfg.UploadRate = rate.Limit(float64(cfg.RateLimitUpload) / 60.0)
		rlCfg.UploadBurst = cfg.RateLimitUpload
	}
	return rlCfg
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

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
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// 3. クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	Stores            middleware.StoreProvider
	ClientCookie      middleware.ClientCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	GuardResolveWait  time.Duration

	// 観測
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger

	// 認証
	Auth AuthProvider

	// 出品
	Reader        ListingReader
	Writer        ListingWriter
	MaxUploadSize int64
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → ClientSession → Logging → Metrics → CSRF
//	  → (API) RateLimit(General) → (保護ルート) RouteGuard → (画像) RateLimit(Upload)
//
// /health, /metrics, /static はセッションを持たないためチェーンの外に配置する。
func NewRouter(deps *RouterDeps) (http.Handler, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	pageHandler, err := NewPageHandler(deps.Reader, deps.Auth, deps.MaxUploadSize, deps.Logger)
	if err != nil {
		return nil, err
	}
	authHandler := NewAuthHandler(deps.Auth, deps.Stores, deps.Metrics, deps.Logger)
	listingHandler := NewListingHandler(deps.Reader, deps.Writer, deps.MaxUploadSize, deps.Logger)

	pageGuard := middleware.NewRouteGuard(middleware.GuardConfig{
		ResolveWait: deps.GuardResolveWait,
		LoginPath:   "/login",
	}, deps.Logger)
	apiGuard := middleware.NewRouteGuard(middleware.GuardConfig{
		ResolveWait: deps.GuardResolveWait,
		API:         true,
	}, deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- セッション不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/static/*", StaticHandler())

	// --- セッションを持つルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewClientSessionMiddleware(deps.Stores, deps.ClientCookie))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// ページ
		r.Get("/", pageHandler.Home)
		r.Get("/car/{id}", pageHandler.Car)
		r.Get("/login", pageHandler.Login)
		r.Get("/register", pageHandler.Register)
		r.Group(func(r chi.Router) {
			r.Use(pageGuard)
			r.Get("/dashboard", pageHandler.Dashboard)
			r.Get("/dashboard/new", pageHandler.NewListing)
		})

		// 認証
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})

		// JSON API
		r.Route("/api", func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.GeneralMiddleware())
			}
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

			r.Get("/listings", listingHandler.List)
			r.Get("/listings/{id}", listingHandler.Get)

			r.Group(func(r chi.Router) {
				r.Use(apiGuard)
				r.Post("/listings", listingHandler.Create)
				r.Delete("/listings/{id}", listingHandler.Delete)
				r.Delete("/images/{name}", listingHandler.DeleteImage)
				if deps.RateLimiter != nil {
					r.With(deps.RateLimiter.UploadMiddleware()).Post("/images", listingHandler.UploadImage)
				} else {
					r.Post("/images", listingHandler.UploadImage)
				}
			})
		})
	})

	return r, nil
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/carmarket/internal/model"
)

// GuardState はルートガードの判定結果。
type GuardState int

const (
	// GuardResolving は認証状態の確定待ち。
	GuardResolving GuardState = iota
	// GuardAuthenticated はサインイン済み。
	GuardAuthenticated
	// GuardUnauthenticated は未サインイン。
	GuardUnauthenticated
)

func (s GuardState) String() string {
	switch s {
	case GuardResolving:
		return "RESOLVING"
	case GuardAuthenticated:
		return "AUTHENTICATED"
	case GuardUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// Decide はセッション状態からガードの状態を決める。
// 確定待ちの間はIdentityの有無に関係なくGuardResolvingを返す。
func Decide(state model.SessionState) GuardState {
	switch {
	case state.IsResolving:
		return GuardResolving
	case state.Identity != nil:
		return GuardAuthenticated
	default:
		return GuardUnauthenticated
	}
}

// GuardConfig はルートガードの設定。
type GuardConfig struct {
	ResolveWait time.Duration // 確定を待つ最大時間。0なら待たない
	LoginPath   string        // 未サインイン時のリダイレクト先
	API         bool          // trueならHTMLの代わりにJSONエラーを返す
}

// loadingPage は認証状態の確定待ちに表示するページ。Refreshヘッダーで再読み込みさせる。
const loadingPage = `<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>読み込み中</title></head>
<body><p role="status">読み込み中...</p></body>
</html>
`

// NewRouteGuard は保護されたルートを包むミドルウェアを返す。
// NewClientSessionMiddlewareの後に配置する。
func NewRouteGuard(config GuardConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store, ok := StoreFromContext(r.Context())
			if !ok {
				logger.Error("route guard: session store missing from context",
					slog.String("path", r.URL.Path),
				)
				denyUnauthenticated(w, r, config)
				return
			}

			state := store.Snapshot()
			if state.IsResolving && config.ResolveWait > 0 {
				ctx, cancel := context.WithTimeout(r.Context(), config.ResolveWait)
				_ = store.WaitResolved(ctx)
				cancel()
				state = store.Snapshot()
			}

			switch Decide(state) {
			case GuardAuthenticated:
				ctx := ContextWithUserID(r.Context(), state.Identity.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
			case GuardUnauthenticated:
				denyUnauthenticated(w, r, config)
			default:
				serveResolving(w, config)
			}
		})
	}
}

func denyUnauthenticated(w http.ResponseWriter, r *http.Request, config GuardConfig) {
	if config.API {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	http.Redirect(w, r, config.LoginPath, http.StatusSeeOther)
}

func serveResolving(w http.ResponseWriter, config GuardConfig) {
	w.Header().Set("Cache-Control", "no-store")
	if config.API {
		w.Header().Set("Retry-After", "1")
		WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewAuthResolvingError())
		return
	}
	w.Header().Set("Refresh", "1")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, loadingPage)
}

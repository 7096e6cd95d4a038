// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/hitoshi/carmarket/internal/session"
)

const (
	// clientCookieName はブラウザごとのクライアントキーを保持するCookieの名前。
	clientCookieName = "session_id"

	// clientKeyBytes はクライアントキーの乱数バイト数（16進で64文字）。
	clientKeyBytes = 32
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey    = contextKey("user_id")
	clientKeyContextKey = contextKey("client_key")
	storeContextKey     = contextKey("session_store")
)

// StoreProvider はクライアントキーからセッションストアを取得する。
// session.Registryが実装する。
type StoreProvider interface {
	Get(clientKey string) *session.Store
}

// ClientCookieConfig はクライアントキーCookieの設定。
type ClientCookieConfig struct {
	Secure bool
	Domain string
	MaxAge int // 秒
}

// NewClientSessionMiddleware はクライアントキーCookieを読み取り（なければ発行し）、
// 対応するセッションストアをリクエストコンテキストに注入するミドルウェアを返す。
// 未ログインの訪問者にもクライアントキーを発行する。
// 発行したばかりのキーは未サインインが確定しているため、storesに登録せず
// 購読しないストアを使う。キーが次のリクエストで戻ってきた時点で登録する。
func NewClientSessionMiddleware(stores StoreProvider, config ClientCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Cookieからクライアントキーを取得。形式が不正なら再発行する
			var clientKey string
			var store *session.Store
			if cookie, err := r.Cookie(clientCookieName); err == nil && validClientKey(cookie.Value) {
				clientKey = cookie.Value
				store = stores.Get(clientKey)
			} else {
				key, err := generateClientKey()
				if err != nil {
					WriteInternalServerError(w)
					return
				}
				clientKey = key
				store = session.NewSignedOutStore(clientKey)
				http.SetCookie(w, &http.Cookie{
					Name:     clientCookieName,
					Value:    clientKey,
					Path:     "/",
					Domain:   config.Domain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			// 2. セッションストアをコンテキストに注入
			ctx := ContextWithClientKey(r.Context(), clientKey)
			ctx = ContextWithStore(ctx, store)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StoreFromContext はリクエストのセッションストアを取得する。
func StoreFromContext(ctx context.Context) (*session.Store, bool) {
	store, ok := ctx.Value(storeContextKey).(*session.Store)
	return store, ok && store != nil
}

// ContextWithStore はコンテキストにセッションストアを注入する。
func ContextWithStore(ctx context.Context, store *session.Store) context.Context {
	return context.WithValue(ctx, storeContextKey, store)
}

// ClientKeyFromContext はリクエストのクライアントキーを取得する。
func ClientKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(clientKeyContextKey).(string)
	return key, ok && key != ""
}

// ContextWithClientKey はコンテキストにクライアントキーを注入する。
func ContextWithClientKey(ctx context.Context, clientKey string) context.Context {
	return context.WithValue(ctx, clientKeyContextKey, clientKey)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ルートガードを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func generateClientKey() (string, error) {
	b := make([]byte, clientKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validClientKey(key string) bool {
	if len(key) != clientKeyBytes*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

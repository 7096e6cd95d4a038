// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/carmarket/internal/auth"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/session"
)

// AuthProvider は認証ハンドラーが必要とするプロバイダーの操作。
type AuthProvider interface {
	SignIn(ctx context.Context, clientKey, email, password string) (*model.Identity, error)
	CreateAccount(ctx context.Context, clientKey, email, password string) (*model.Identity, error)
	UpdateProfile(ctx context.Context, clientKey, displayName string) (*model.Identity, error)
	SignOut(ctx context.Context, clientKey string) error
}

// credentials はログイン・登録フォームの入力値。
type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthHandler はメールアドレスとパスワードによる認証のHTTPハンドラー。
// HTMLフォームからの送信にはリダイレクトで、JSONにはProjectionで応答する。
type AuthHandler struct {
	provider AuthProvider
	stores   middleware.StoreProvider
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(provider AuthProvider, stores middleware.StoreProvider, collector metrics.MetricsCollector, logger *slog.Logger) *AuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AuthHandler{
		provider: provider,
		stores:   stores,
		metrics:  collector,
		logger:   logger,
	}
}

// subscribedStore はクライアントキーの登録済みストアを返す。
// サインイン前に取得し、プロバイダーの通知がストアへ届くようにする。
func (h *AuthHandler) subscribedStore(r *http.Request) (*session.Store, bool) {
	clientKey, ok := middleware.ClientKeyFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return h.stores.Get(clientKey), true
}

// Login はサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	store, ok := h.subscribedStore(r)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	creds, err := decodeCredentials(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"body": "リクエストの形式が正しくありません",
		}))
		return
	}

	// ストアはプロバイダーの通知で更新される
	if _, err := h.provider.SignIn(r.Context(), store.ClientKey(), creds.Email, creds.Password); err != nil {
		h.metrics.RecordAuthEvent(metrics.AuthEventSignInFailed)
		h.respondAuthError(w, r, "/login", auth.MessageFor(err))
		return
	}
	h.metrics.RecordAuthEvent(metrics.AuthEventSignIn)

	if isFormRequest(r) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, session.Project(store.Snapshot()))
}

// Register はアカウントを作成し、表示名を設定してサインイン状態にする。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	store, ok := h.subscribedStore(r)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	creds, err := decodeCredentials(r)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"body": "リクエストの形式が正しくありません",
		}))
		return
	}

	// 1. 表示名は必須
	name := strings.TrimSpace(creds.Name)
	if name == "" {
		h.respondAuthError(w, r, "/register", model.NewValidationError(map[string]string{
			"name": "名前を入力してください",
		}))
		return
	}

	// 2. アカウント作成（作成と同時にサインインする）
	identity, err := h.provider.CreateAccount(r.Context(), store.ClientKey(), creds.Email, creds.Password)
	if err != nil {
		h.respondAuthError(w, r, "/register", auth.MessageFor(err))
		return
	}

	// 3. 表示名を設定する。失敗してもアカウントは作成済みのため続行する
	if updated, err := h.provider.UpdateProfile(r.Context(), store.ClientKey(), name); err != nil {
		h.logger.Warn("failed to set display name after registration",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		identity.DisplayName = &name
	} else {
		identity = updated
	}

	// 4. 名前が空のまま見えないよう、ストアへ直接反映する
	store.Update(*identity)
	h.metrics.RecordAuthEvent(metrics.AuthEventRegister)

	if isFormRequest(r) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusCreated, session.Project(store.Snapshot()))
}

// Logout はサインアウトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	store, ok := middleware.StoreFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	if err := h.provider.SignOut(r.Context(), store.ClientKey()); err != nil {
		h.logger.Error("failed to sign out", slog.String("error", err.Error()))
		handleServiceError(w, auth.MessageFor(err))
		return
	}
	h.metrics.RecordAuthEvent(metrics.AuthEventSignOut)

	if isFormRequest(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在の認証状態を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	store, ok := middleware.StoreFromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, session.Project(store.Snapshot()))
}

// respondAuthError はフォーム送信ならエラーコード付きで入力画面へ戻し、
// それ以外はJSONエラーを返す。
func (h *AuthHandler) respondAuthError(w http.ResponseWriter, r *http.Request, formPath string, apiErr *model.APIError) {
	if apiErr.Cause != nil {
		h.logger.Warn("auth provider error",
			slog.String("code", apiErr.Code),
			slog.String("error", apiErr.Cause.Error()),
		)
	}
	if isFormRequest(r) {
		http.Redirect(w, r, formPath+"?error="+url.QueryEscape(apiErr.Code), http.StatusSeeOther)
		return
	}
	writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// decodeCredentials はJSONまたはフォームから入力値を読み取る。
func decodeCredentials(r *http.Request) (credentials, error) {
	if isFormRequest(r) {
		if err := r.ParseForm(); err != nil {
			return credentials{}, err
		}
		return credentials{
			Name:     r.PostFormValue("name"),
			Email:    r.PostFormValue("email"),
			Password: r.PostFormValue("password"),
		}, nil
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		return credentials{}, err
	}
	return creds, nil
}

// isFormRequest はHTMLフォームからの送信かどうかを判定する。
func isFormRequest(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/carmarket/internal/auth"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/session"
)

func newTestAuthHandler(provider *mockAuthProvider) (*AuthHandler, *recordingMetrics) {
	return newTestAuthHandlerWithStores(provider, newStubStores(nil))
}

func newTestAuthHandlerWithStores(provider *mockAuthProvider, stores *stubStores) (*AuthHandler, *recordingMetrics) {
	m := &recordingMetrics{}
	return NewAuthHandler(provider, stores, m, discardLogger()), m
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func formRequest(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeProjection(t *testing.T, w *httptest.ResponseRecorder) session.Projection {
	t.Helper()
	var p session.Projection
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode projection: %v", err)
	}
	return p
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// TestAuthHandler_Login_JSONSuccess はサインイン成功時にストアが更新されProjectionが返ることを検証する。
func TestAuthHandler_Login_JSONSuccess(t *testing.T) {
	var gotKey, gotEmail string
	stores := newStubStores(nil)
	provider := &mockAuthProvider{
		signInFn: func(_ context.Context, clientKey, email, _ string) (*model.Identity, error) {
			gotKey, gotEmail = clientKey, email
			stores.emit(clientKey, testIdentity())
			return testIdentity(), nil
		},
	}
	h, m := newTestAuthHandlerWithStores(provider, stores)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/login", `{"email":"taro@example.com","password":"secret1"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	p := decodeProjection(t, w)
	if !p.Signed || p.User == nil || p.User.ID != "user-1" {
		t.Errorf("projection = %+v, want signed user-1", p)
	}
	if gotKey != "client-key" || gotEmail != "taro@example.com" {
		t.Errorf("SignIn called with (%q, %q)", gotKey, gotEmail)
	}
	if !stores.Get("client-key").Snapshot().Signed() {
		t.Error("store should be signed in")
	}
	if ev := m.events(); len(ev) != 1 || ev[0] != metrics.AuthEventSignIn {
		t.Errorf("auth events = %v, want [%s]", ev, metrics.AuthEventSignIn)
	}
}

// TestAuthHandler_Login_StoreFollowsProviderNotifications はサインイン後の状態をプロバイダーの通知だけで決めることを検証する。
func TestAuthHandler_Login_StoreFollowsProviderNotifications(t *testing.T) {
	stores := newStubStores(nil)
	provider := &mockAuthProvider{
		signInFn: func(_ context.Context, clientKey, _, _ string) (*model.Identity, error) {
			stores.emit(clientKey, testIdentity())
			// 応答前に別リクエストのサインアウトが通知された場合
			stores.emit(clientKey, nil)
			return testIdentity(), nil
		},
	}
	h, _ := newTestAuthHandlerWithStores(provider, stores)

	w := httptest.NewRecorder()
	h.Login(w, withClientKey(jsonRequest(http.MethodPost, "/auth/login", `{"email":"taro@example.com","password":"secret1"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if p := decodeProjection(t, w); p.Signed {
		t.Errorf("projection = %+v, want signed out", p)
	}
	if stores.Get("client-key").Snapshot().Signed() {
		t.Error("the sign-out notification must not be overwritten")
	}
}

// TestAuthHandler_Login_NoClientKey はクライアントキーがない場合に500を返すことを検証する。
func TestAuthHandler_Login_NoClientKey(t *testing.T) {
	h, _ := newTestAuthHandler(&mockAuthProvider{})

	w := httptest.NewRecorder()
	h.Login(w, jsonRequest(http.MethodPost, "/auth/login", `{"email":"taro@example.com","password":"secret1"}`))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// TestAuthHandler_Login_InvalidCredential は認証失敗時にコードに対応したメッセージが返ることを検証する。
func TestAuthHandler_Login_InvalidCredential(t *testing.T) {
	provider := &mockAuthProvider{
		signInFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return nil, &auth.ProviderError{Code: auth.CodeInvalidCredential}
		},
	}
	stores := newStubStores(nil)
	h, m := newTestAuthHandlerWithStores(provider, stores)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/login", `{"email":"a@example.com","password":"wrong"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	body := decodeErrorBody(t, w)
	if body.Code != auth.CodeInvalidCredential {
		t.Errorf("code = %q, want %q", body.Code, auth.CodeInvalidCredential)
	}
	if body.Message == "" {
		t.Error("message should not be empty")
	}
	if stores.Get("client-key").Snapshot().Signed() {
		t.Error("store should stay signed out")
	}
	if ev := m.events(); len(ev) != 1 || ev[0] != metrics.AuthEventSignInFailed {
		t.Errorf("auth events = %v, want [%s]", ev, metrics.AuthEventSignInFailed)
	}
}

// TestAuthHandler_Login_FormSuccessRedirects はフォーム送信の成功時にマイページへリダイレクトすることを検証する。
func TestAuthHandler_Login_FormSuccessRedirects(t *testing.T) {
	provider := &mockAuthProvider{
		signInFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return testIdentity(), nil
		},
	}
	h, _ := newTestAuthHandler(provider)

	req := withClientKey(formRequest("/auth/login", url.Values{
		"email":    {"taro@example.com"},
		"password": {"secret1"},
	}))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/dashboard" {
		t.Errorf("Location = %q, want %q", loc, "/dashboard")
	}
}

// TestAuthHandler_Login_FormFailureRedirectsWithCode はフォーム送信の失敗時にエラーコード付きでログイン画面へ戻すことを検証する。
func TestAuthHandler_Login_FormFailureRedirectsWithCode(t *testing.T) {
	provider := &mockAuthProvider{
		signInFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return nil, &auth.ProviderError{Code: auth.CodeInvalidCredential}
		},
	}
	h, _ := newTestAuthHandler(provider)

	req := withClientKey(formRequest("/auth/login", url.Values{
		"email":    {"taro@example.com"},
		"password": {"bad"},
	}))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	want := "/login?error=" + url.QueryEscape(auth.CodeInvalidCredential)
	if loc := w.Header().Get("Location"); loc != want {
		t.Errorf("Location = %q, want %q", loc, want)
	}
}

// TestAuthHandler_Login_MalformedJSON は不正なJSONに400を返すことを検証する。
func TestAuthHandler_Login_MalformedJSON(t *testing.T) {
	provider := &mockAuthProvider{
		signInFn: func(context.Context, string, string, string) (*model.Identity, error) {
			t.Fatal("SignIn should not be called")
			return nil, nil
		},
	}
	h, _ := newTestAuthHandler(provider)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/login", `{`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// TestAuthHandler_Register_SetsDisplayName は登録後に表示名が設定されたProjectionが返ることを検証する。
func TestAuthHandler_Register_SetsDisplayName(t *testing.T) {
	var gotName string
	provider := &mockAuthProvider{
		createAccountFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return &model.Identity{ID: "user-2", Email: strPtr("hanako@example.com")}, nil
		},
		updateProfileFn: func(_ context.Context, _ string, displayName string) (*model.Identity, error) {
			gotName = displayName
			return &model.Identity{ID: "user-2", DisplayName: strPtr(displayName), Email: strPtr("hanako@example.com")}, nil
		},
	}
	stores := newStubStores(nil)
	h, m := newTestAuthHandlerWithStores(provider, stores)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/register",
		`{"name":"  Hanako ","email":"hanako@example.com","password":"secret1"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if gotName != "Hanako" {
		t.Errorf("UpdateProfile name = %q, want %q", gotName, "Hanako")
	}
	p := decodeProjection(t, w)
	if p.User == nil || p.User.Name() != "Hanako" {
		t.Errorf("projection user = %+v, want name Hanako", p.User)
	}
	if got := stores.Get("client-key").Snapshot().Identity.Name(); got != "Hanako" {
		t.Errorf("store display name = %q, want %q", got, "Hanako")
	}
	if ev := m.events(); len(ev) != 1 || ev[0] != metrics.AuthEventRegister {
		t.Errorf("auth events = %v, want [%s]", ev, metrics.AuthEventRegister)
	}
}

// TestAuthHandler_Register_ProfileUpdateFailure は表示名の更新に失敗しても登録が成功し、名前がストアに反映されることを検証する。
func TestAuthHandler_Register_ProfileUpdateFailure(t *testing.T) {
	provider := &mockAuthProvider{
		createAccountFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return &model.Identity{ID: "user-2"}, nil
		},
		updateProfileFn: func(context.Context, string, string) (*model.Identity, error) {
			return nil, errors.New("db down")
		},
	}
	stores := newStubStores(nil)
	h, _ := newTestAuthHandlerWithStores(provider, stores)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/register",
		`{"name":"Hanako","email":"hanako@example.com","password":"secret1"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got := stores.Get("client-key").Snapshot().Identity.Name(); got != "Hanako" {
		t.Errorf("store display name = %q, want %q", got, "Hanako")
	}
}

// TestAuthHandler_Register_NameRequired は名前が空の場合にアカウントを作成しないことを検証する。
func TestAuthHandler_Register_NameRequired(t *testing.T) {
	provider := &mockAuthProvider{
		createAccountFn: func(context.Context, string, string, string) (*model.Identity, error) {
			t.Fatal("CreateAccount should not be called")
			return nil, nil
		},
	}
	h, _ := newTestAuthHandler(provider)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/register",
		`{"name":"  ","email":"hanako@example.com","password":"secret1"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	body := decodeErrorBody(t, w)
	if _, ok := body.Fields["name"]; !ok {
		t.Errorf("fields = %v, want name", body.Fields)
	}
}

// TestAuthHandler_Register_EmailInUse は登録済みメールアドレスに409とフィールドメッセージを返すことを検証する。
func TestAuthHandler_Register_EmailInUse(t *testing.T) {
	provider := &mockAuthProvider{
		createAccountFn: func(context.Context, string, string, string) (*model.Identity, error) {
			return nil, &auth.ProviderError{Code: auth.CodeEmailAlreadyInUse}
		},
	}
	h, _ := newTestAuthHandler(provider)

	req := withClientKey(jsonRequest(http.MethodPost, "/auth/register",
		`{"name":"Hanako","email":"taken@example.com","password":"secret1"}`))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	body := decodeErrorBody(t, w)
	if _, ok := body.Fields["email"]; !ok {
		t.Errorf("fields = %v, want email", body.Fields)
	}
}

// TestAuthHandler_Logout はJSONでは204、フォームではトップへのリダイレクトを返すことを検証する。
func TestAuthHandler_Logout(t *testing.T) {
	provider := &mockAuthProvider{}
	h, m := newTestAuthHandler(provider)

	w := httptest.NewRecorder()
	h.Logout(w, withStore(jsonRequest(http.MethodPost, "/auth/logout", ""), signedInStore()))
	if w.Code != http.StatusNoContent {
		t.Errorf("JSON status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = httptest.NewRecorder()
	h.Logout(w, withStore(formRequest("/auth/logout", url.Values{}), signedInStore()))
	if w.Code != http.StatusSeeOther {
		t.Fatalf("form status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/" {
		t.Errorf("Location = %q, want %q", loc, "/")
	}

	if len(provider.signOutCalls) != 2 || provider.signOutCalls[0] != "client-key" {
		t.Errorf("SignOut calls = %v", provider.signOutCalls)
	}
	if ev := m.events(); len(ev) != 2 {
		t.Errorf("auth events = %v, want 2 sign_out", ev)
	}
}

// TestAuthHandler_Logout_ProviderError はサインアウト失敗時にエラーを返すことを検証する。
func TestAuthHandler_Logout_ProviderError(t *testing.T) {
	provider := &mockAuthProvider{
		signOutFn: func(context.Context, string) error { return errors.New("db down") },
	}
	h, _ := newTestAuthHandler(provider)

	w := httptest.NewRecorder()
	h.Logout(w, withStore(jsonRequest(http.MethodPost, "/auth/logout", ""), signedInStore()))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

// TestAuthHandler_Me はストアの状態をProjectionとして返すことを検証する。
func TestAuthHandler_Me(t *testing.T) {
	h, _ := newTestAuthHandler(&mockAuthProvider{})

	w := httptest.NewRecorder()
	h.Me(w, withStore(httptest.NewRequest(http.MethodGet, "/auth/me", nil), signedInStore()))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	p := decodeProjection(t, w)
	if !p.Signed || p.LoadingAuth || p.User.Name() != "Taro" {
		t.Errorf("projection = %+v", p)
	}

	w = httptest.NewRecorder()
	h.Me(w, withStore(httptest.NewRequest(http.MethodGet, "/auth/me", nil), signedOutStore()))
	p = decodeProjection(t, w)
	if p.Signed || p.User != nil {
		t.Errorf("signed-out projection = %+v", p)
	}
}

// TestAuthHandler_Me_NoStore はストアがない場合に500を返すことを検証する。
func TestAuthHandler_Me_NoStore(t *testing.T) {
	h, _ := newTestAuthHandler(&mockAuthProvider{})

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

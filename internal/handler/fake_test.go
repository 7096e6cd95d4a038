package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/carmarket/internal/listing"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/session"
)

// --- モック定義 ---

type mockAuthProvider struct {
	signInFn        func(ctx context.Context, clientKey, email, password string) (*model.Identity, error)
	createAccountFn func(ctx context.Context, clientKey, email, password string) (*model.Identity, error)
	updateProfileFn func(ctx context.Context, clientKey, displayName string) (*model.Identity, error)
	signOutFn       func(ctx context.Context, clientKey string) error

	mu           sync.Mutex
	signOutCalls []string
}

func (m *mockAuthProvider) SignIn(ctx context.Context, clientKey, email, password string) (*model.Identity, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, clientKey, email, password)
	}
	return nil, nil
}

func (m *mockAuthProvider) CreateAccount(ctx context.Context, clientKey, email, password string) (*model.Identity, error) {
	if m.createAccountFn != nil {
		return m.createAccountFn(ctx, clientKey, email, password)
	}
	return nil, nil
}

func (m *mockAuthProvider) UpdateProfile(ctx context.Context, clientKey, displayName string) (*model.Identity, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, clientKey, displayName)
	}
	return nil, nil
}

func (m *mockAuthProvider) SignOut(ctx context.Context, clientKey string) error {
	m.mu.Lock()
	m.signOutCalls = append(m.signOutCalls, clientKey)
	m.mu.Unlock()
	if m.signOutFn != nil {
		return m.signOutFn(ctx, clientKey)
	}
	return nil
}

type mockListingReader struct {
	fetchFn func(ctx context.Context, ownerFilter string) listing.FetchResult
	getFn   func(ctx context.Context, id string) (*model.Listing, error)
}

func (m *mockListingReader) Fetch(ctx context.Context, ownerFilter string) listing.FetchResult {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, ownerFilter)
	}
	return listing.FetchResult{Listings: []model.Listing{}}
}

func (m *mockListingReader) Get(ctx context.Context, id string) (*model.Listing, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, nil
}

type mockListingWriter struct {
	createFn            func(ctx context.Context, owner listing.Owner, form listing.Form, staged []model.ListingImage) (string, error)
	deleteFn            func(ctx context.Context, requesterID, listingID string) (listing.DeleteReport, error)
	uploadImageFn       func(ctx context.Context, ownerID string, file listing.Upload) (model.ListingImage, error)
	deleteStagedImageFn func(ctx context.Context, ownerID, name string) error
}

func (m *mockListingWriter) Create(ctx context.Context, owner listing.Owner, form listing.Form, staged []model.ListingImage) (string, error) {
	if m.createFn != nil {
		return m.createFn(ctx, owner, form, staged)
	}
	return "", nil
}

func (m *mockListingWriter) Delete(ctx context.Context, requesterID, listingID string) (listing.DeleteReport, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, requesterID, listingID)
	}
	return listing.DeleteReport{ListingID: listingID}, nil
}

func (m *mockListingWriter) UploadImage(ctx context.Context, ownerID string, file listing.Upload) (model.ListingImage, error) {
	if m.uploadImageFn != nil {
		return m.uploadImageFn(ctx, ownerID, file)
	}
	return model.ListingImage{}, nil
}

func (m *mockListingWriter) DeleteStagedImage(ctx context.Context, ownerID, name string) error {
	if m.deleteStagedImageFn != nil {
		return m.deleteStagedImageFn(ctx, ownerID, name)
	}
	return nil
}

// recordingMetrics は認証イベントだけを記録するMetricsCollector。
type recordingMetrics struct {
	metrics.Nop

	mu         sync.Mutex
	authEvents []string
}

func (m *recordingMetrics) RecordAuthEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authEvents = append(m.authEvents, event)
}

func (m *recordingMetrics) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authEvents...)
}

// stubSubscriber は購読時に即座に状態を通知する（またはしない）Subscriber。
type stubSubscriber struct {
	resolve  bool
	identity *model.Identity
}

func (s stubSubscriber) Subscribe(_ string, onChange func(*model.Identity)) func() {
	if s.resolve {
		onChange(s.identity)
	}
	return func() {}
}

// notifyingSubscriber は購読時に初期状態を通知し、以後はemitで状態変化を再現するSubscriber。
type notifyingSubscriber struct {
	mu        sync.Mutex
	initial   *model.Identity
	listeners map[string]func(*model.Identity)
}

func (s *notifyingSubscriber) Subscribe(clientKey string, onChange func(*model.Identity)) func() {
	s.mu.Lock()
	s.listeners[clientKey] = onChange
	s.mu.Unlock()
	onChange(s.initial.Clone())
	return func() {}
}

func (s *notifyingSubscriber) emit(clientKey string, identity *model.Identity) {
	s.mu.Lock()
	fn := s.listeners[clientKey]
	s.mu.Unlock()
	if fn != nil {
		fn(identity.Clone())
	}
}

// stubStores はクライアントキーごとに同じ初期状態のストアを返すStoreProvider。
type stubStores struct {
	mu     sync.Mutex
	stores map[string]*session.Store
	sub    *notifyingSubscriber
}

func newStubStores(identity *model.Identity) *stubStores {
	return &stubStores{
		stores: make(map[string]*session.Store),
		sub:    &notifyingSubscriber{initial: identity, listeners: make(map[string]func(*model.Identity))},
	}
}

func (s *stubStores) Get(clientKey string) *session.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[clientKey]
	if !ok {
		st = session.NewStore(clientKey, s.sub)
		s.stores[clientKey] = st
	}
	return st
}

// emit はプロバイダーがclientKeyへ状態変化を通知したことを再現する。
func (s *stubStores) emit(clientKey string, identity *model.Identity) {
	s.sub.emit(clientKey, identity)
}

// --- ヘルパー ---

func strPtr(s string) *string { return &s }

func testIdentity() *model.Identity {
	return &model.Identity{ID: "user-1", DisplayName: strPtr("Taro"), Email: strPtr("taro@example.com")}
}

func signedInStore() *session.Store {
	return session.NewStore("client-key", stubSubscriber{resolve: true, identity: testIdentity()})
}

func signedOutStore() *session.Store {
	return session.NewStore("client-key", stubSubscriber{resolve: true})
}

// withStore はリクエストにセッションストアを注入する。
func withStore(r *http.Request, store *session.Store) *http.Request {
	return r.WithContext(middleware.ContextWithStore(r.Context(), store))
}

// withClientKey はセッションミドルウェア通過後と同様にクライアントキーを注入する。
func withClientKey(r *http.Request) *http.Request {
	return r.WithContext(middleware.ContextWithClientKey(r.Context(), "client-key"))
}

// withUser はルートガード通過後と同様にユーザーIDを注入する。
func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withURLParam はchiのURLパラメータを設定する。
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}
	rctx.URLParams.Add(key, value)
	return r
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// compile-time interface check
var (
	_ AuthProvider  = (*mockAuthProvider)(nil)
	_ ListingReader = (*mockListingReader)(nil)
	_ ListingWriter = (*mockListingWriter)(nil)
)

package middleware

import (
	"io"
	"log/slog"
	"sync"

	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/session"
)

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

func signedInStore(userID string) *session.Store {
	return session.NewStore("client", stubSubscriber{resolve: true, identity: &model.Identity{ID: userID}})
}

func signedOutStore() *session.Store {
	return session.NewStore("client", stubSubscriber{resolve: true})
}

func resolvingStore() *session.Store {
	return session.NewStore("client", stubSubscriber{})
}

// stubStoreProvider はクライアントキーごとにストアを返すStoreProvider。
type stubStoreProvider struct {
	mu     sync.Mutex
	stores map[string]*session.Store
	keys   []string
	newFn  func() *session.Store
}

func newStubStoreProvider(newFn func() *session.Store) *stubStoreProvider {
	return &stubStoreProvider{stores: make(map[string]*session.Store), newFn: newFn}
}

func (p *stubStoreProvider) Get(clientKey string) *session.Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, clientKey)
	s, ok := p.stores[clientKey]
	if !ok {
		s = p.newFn()
		p.stores[clientKey] = s
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

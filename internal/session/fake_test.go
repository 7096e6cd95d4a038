package session

import (
	"sync"

	"github.com/hitoshi/carmarket/internal/model"
)

// fakeSubscriber は通知をテストから手動で送れるSubscriber。
type fakeSubscriber struct {
	mu           sync.Mutex
	listeners    map[string]func(*model.Identity)
	subscribed   int
	unsubscribed int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{listeners: make(map[string]func(*model.Identity))}
}

func (f *fakeSubscriber) Subscribe(clientKey string, onChange func(*model.Identity)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[clientKey] = onChange
	f.subscribed++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, clientKey)
		f.unsubscribed++
	}
}

func (f *fakeSubscriber) emit(clientKey string, identity *model.Identity) bool {
	f.mu.Lock()
	fn, ok := f.listeners[clientKey]
	f.mu.Unlock()
	if ok {
		fn(identity)
	}
	return ok
}

func (f *fakeSubscriber) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed, f.unsubscribed
}

func strPtr(s string) *string { return &s }

func identity(id string) *model.Identity {
	return &model.Identity{ID: id, DisplayName: strPtr("Taro"), Email: strPtr(id + "@example.com")}
}

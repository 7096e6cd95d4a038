package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxStores はRegistryが同時に保持するStoreの上限。
const DefaultMaxStores = 10000

// entry はRegistryが管理するStoreと最終アクセス時刻。
type entry struct {
	store      *Store
	lastAccess time.Time
}

// Registry はクライアントキーごとのStoreを管理する。
// Storeは初回アクセス時に生成し、一定時間アクセスのないものはPruneで破棄する。
// 上限に達した場合は最終アクセスが最も古いStoreを破棄する。
type Registry struct {
	subscriber Subscriber
	logger     *slog.Logger
	now        func() time.Time
	maxStores  int

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry はRegistryを生成する。
func NewRegistry(subscriber Subscriber, logger *slog.Logger) *Registry {
	return &Registry{
		subscriber: subscriber,
		logger:     logger,
		now:        time.Now,
		maxStores:  DefaultMaxStores,
		entries:    make(map[string]*entry),
	}
}

// Get はクライアントキーのStoreを返す。存在しない場合は生成して購読を開始する。
// Close後は登録せずに都度生成したStoreを返す。
func (r *Registry) Get(clientKey string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[clientKey]; ok {
		e.lastAccess = r.now()
		return e.store
	}

	store := NewStore(clientKey, r.subscriber)
	if r.closed {
		store.Close()
		return store
	}
	if len(r.entries) >= r.maxStores {
		r.evictOldestLocked()
	}
	r.entries[clientKey] = &entry{store: store, lastAccess: r.now()}
	return store
}

// evictOldestLocked は最終アクセスが最も古いStoreを破棄する。muを保持して呼ぶ。
func (r *Registry) evictOldestLocked() {
	var oldestKey string
	var oldest *entry
	for key, e := range r.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = key, e
		}
	}
	if oldest == nil {
		return
	}
	delete(r.entries, oldestKey)
	oldest.store.Close()
	r.logger.Warn("session store evicted at capacity", slog.Int("max_stores", r.maxStores))
}

// Len は管理中のStore数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Prune は最終アクセスからidle以上経過したStoreを破棄し、破棄した数を返す。
func (r *Registry) Prune(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*Store
	for key, e := range r.entries {
		if e.lastAccess.Before(cutoff) {
			stale = append(stale, e.store)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}

// RunPruner はctxが終了するまでinterval間隔でPruneを実行する。
func (r *Registry) RunPruner(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(idle); n > 0 {
				r.logger.Info("idle session stores pruned",
					slog.Int("pruned", n),
					slog.Int("remaining", r.Len()),
				)
			}
		}
	}
}

// Close は全Storeの購読を解除する。以後のGetは登録されない。
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.store.Close()
	}
}

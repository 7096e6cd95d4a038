// Package session はクライアントごとの認証状態（Session Store）を提供する。
//
// Storeは認証プロバイダーの状態変化を購読し、最新のIdentityと
// 解決中フラグを保持する。プロバイダーの通知は任意のゴルーチンから届く。
package session

import (
	"context"
	"sync"

	"github.com/hitoshi/carmarket/internal/model"
)

// Subscriber は認証プロバイダーの購読部分のインターフェース。
// auth.Providerの部分集合として定義する。
type Subscriber interface {
	Subscribe(clientKey string, onChange func(*model.Identity)) (unsubscribe func())
}

// Store は1クライアント分の認証状態を保持する。
type Store struct {
	clientKey string

	mu       sync.RWMutex
	state    model.SessionState
	closed   bool
	resolved chan struct{}

	unsubscribe func()
	closeOnce   sync.Once
}

// NewStore は解決中状態のStoreを生成し、プロバイダーの購読を開始する。
func NewStore(clientKey string, sub Subscriber) *Store {
	s := &Store{
		clientKey: clientKey,
		state:     model.SessionState{IsResolving: true},
		resolved:  make(chan struct{}),
	}
	s.unsubscribe = sub.Subscribe(clientKey, s.handleChange)
	return s
}

// NewSignedOutStore は購読せずに未サインインで解決済みのStoreを生成する。
// 初回訪問でキーを発行したばかりのクライアントに使う。
func NewSignedOutStore(clientKey string) *Store {
	s := &Store{
		clientKey: clientKey,
		resolved:  make(chan struct{}),
	}
	close(s.resolved)
	return s
}

// ClientKey はStoreのクライアントキーを返す。
func (s *Store) ClientKey() string {
	return s.clientKey
}

// handleChange はプロバイダーからの通知を反映する。
// nilはサインアウト状態を表す。最初の通知で解決済みになる。
func (s *Store) handleChange(identity *model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.state.Identity = identity.Clone()
	if s.state.IsResolving {
		s.state.IsResolving = false
		close(s.resolved)
	}
}

// Update はIdentityを直接上書きする。
// 登録直後に表示名を反映し、一瞬サインアウト状態に見えないようにするために使う。
// 解決中フラグは変更しない。
func (s *Store) Update(identity model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.state.Identity = identity.Clone()
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.SessionState{
		Identity:    s.state.Identity.Clone(),
		IsResolving: s.state.IsResolving,
	}
}

// WaitResolved は最初の通知が届くかctxが終了するまで待つ。
func (s *Store) WaitResolved(ctx context.Context) error {
	select {
	case <-s.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は購読を解除する。複数回呼んでも安全。
// Close後の通知は無視する。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

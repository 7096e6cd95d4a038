package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/repository"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 6

// LocalProviderConfig はローカル認証プロバイダーの設定。
type LocalProviderConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// listener はクライアントキー単位の購読者。
type listener struct {
	id uint64
	fn func(*model.Identity)
}

// expiryTimer はセッション期限切れを通知するタイマー。
type expiryTimer interface {
	Stop() bool
}

func afterFunc(d time.Duration, f func()) expiryTimer {
	return time.AfterFunc(d, f)
}

// pendingExpiry はクライアントキーに予約した期限切れ通知。
type pendingExpiry struct {
	timer expiryTimer
	gen   uint64
}

// LocalProvider はPostgresのusers/sessionsテーブルとbcryptで動く認証プロバイダー。
// 状態変化はクライアントキーごとの購読者へプッシュする。
type LocalProvider struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      LocalProviderConfig
	logger      *slog.Logger
	now         func() time.Time
	afterFunc   func(d time.Duration, f func()) expiryTimer

	// deliverMu は通知の順序を保証する。mu より先に取得する。
	deliverMu sync.Mutex

	mu        sync.Mutex
	listeners map[string][]listener
	versions  map[string]uint64
	expiries  map[string]pendingExpiry
	nextID    uint64
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config LocalProviderConfig,
	logger *slog.Logger,
) *LocalProvider {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &LocalProvider{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
		logger:      logger,
		now:         time.Now,
		afterFunc:   afterFunc,
		listeners:   make(map[string][]listener),
		versions:    make(map[string]uint64),
		expiries:    make(map[string]pendingExpiry),
	}
}

// Subscribe はクライアントキーの状態変化を購読する。
// 現在の状態はゴルーチンで解決して通知する。解決前に別の通知が届いた場合は
// そちらが新しい状態なので、初回通知は捨てる。
func (p *LocalProvider) Subscribe(clientKey string, onChange func(*model.Identity)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[clientKey] = append(p.listeners[clientKey], listener{id: id, fn: onChange})
	version := p.versions[clientKey]
	p.mu.Unlock()

	go p.deliverInitial(clientKey, id, version)

	var once sync.Once
	return func() {
		once.Do(func() { p.unsubscribe(clientKey, id) })
	}
}

func (p *LocalProvider) deliverInitial(clientKey string, id, version uint64) {
	identity, expiresAt, err := p.currentIdentity(context.Background(), clientKey)
	if err != nil {
		// 解決できない場合はサインアウト状態として扱う
		p.logger.Error("failed to resolve current identity",
			slog.String("error", err.Error()),
		)
		identity = nil
	}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	var fn func(*model.Identity)
	if p.versions[clientKey] == version {
		for _, l := range p.listeners[clientKey] {
			if l.id == id {
				fn = l.fn
				break
			}
		}
	}
	p.mu.Unlock()

	if fn == nil {
		return
	}
	if identity != nil {
		p.scheduleExpiry(clientKey, expiresAt)
	}
	fn(identity.Clone())
}

func (p *LocalProvider) unsubscribe(clientKey string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ls := p.listeners[clientKey]
	for i, l := range ls {
		if l.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(p.listeners, clientKey)
		delete(p.versions, clientKey)
		p.cancelExpiryLocked(clientKey)
		return
	}
	p.listeners[clientKey] = ls
}

// notify はクライアントキーの全購読者へ新しい状態を通知する。
func (p *LocalProvider) notify(clientKey string, identity *model.Identity) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.notifyLocked(clientKey, identity)
}

// notifyLocked はdeliverMuを保持した状態で通知する。
func (p *LocalProvider) notifyLocked(clientKey string, identity *model.Identity) {
	p.mu.Lock()
	p.versions[clientKey]++
	ls := make([]listener, len(p.listeners[clientKey]))
	copy(ls, p.listeners[clientKey])
	p.mu.Unlock()

	for _, l := range ls {
		l.fn(identity.Clone())
	}
}

// scheduleExpiry はexpiresAtにサインアウト状態を通知するよう予約する。
// 同じクライアントキーの既存の予約は置き換える。
func (p *LocalProvider) scheduleExpiry(clientKey string, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancelExpiryLocked(clientKey)
	p.nextID++
	gen := p.nextID
	timer := p.afterFunc(expiresAt.Sub(p.now()), func() { p.expire(clientKey, gen) })
	p.expiries[clientKey] = pendingExpiry{timer: timer, gen: gen}
}

// cancelExpiryLocked は予約済みの期限切れ通知を取り消す。muを保持して呼ぶ。
func (p *LocalProvider) cancelExpiryLocked(clientKey string) {
	if e, ok := p.expiries[clientKey]; ok {
		e.timer.Stop()
		delete(p.expiries, clientKey)
	}
}

// expire はセッションの有効期限切れをサインアウトとして通知する。
// 予約後にサインインし直した場合やサインアウト済みの場合は何もしない。
func (p *LocalProvider) expire(clientKey string, gen uint64) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	e, ok := p.expiries[clientKey]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.expiries, clientKey)
	p.mu.Unlock()

	p.logger.Info("session expired")
	p.notifyLocked(clientKey, nil)
}

// ListenerCount は購読者数を返す。テスト用。
func (p *LocalProvider) ListenerCount(clientKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[clientKey])
}

// SignIn はメールアドレスとパスワードを検証し、クライアントキーにセッションを紐付ける。
// 未登録メールとパスワード不一致はどちらもauth/invalid-credentialを返す。
func (p *LocalProvider) SignIn(ctx context.Context, clientKey, email, password string) (*model.Identity, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	user, err := p.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, newProviderError(CodeInvalidCredential)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, newProviderError(CodeInvalidCredential)
	}

	if err := p.bindSession(ctx, clientKey, user.ID); err != nil {
		return nil, err
	}

	identity := model.NewIdentity(user)
	p.logger.Info("user signed in", slog.String("user_id", user.ID))
	p.notify(clientKey, identity)
	return identity, nil
}

// CreateAccount はユーザーを作成してサインインする。表示名は空のまま作成する。
func (p *LocalProvider) CreateAccount(ctx context.Context, clientKey, email, password string) (*model.Identity, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len([]rune(password)) < minPasswordLength {
		return nil, newProviderError(CodeWeakPassword)
	}

	existing, err := p.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if existing != nil {
		return nil, newProviderError(CodeEmailAlreadyInUse)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := p.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, &ProviderError{Code: CodeEmailAlreadyInUse, Err: err}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := p.bindSession(ctx, clientKey, user.ID); err != nil {
		return nil, err
	}

	identity := model.NewIdentity(user)
	p.logger.Info("account created", slog.String("user_id", user.ID))
	p.notify(clientKey, identity)
	return identity, nil
}

// UpdateProfile はサインイン中ユーザーの表示名を更新し、新しい状態を通知する。
func (p *LocalProvider) UpdateProfile(ctx context.Context, clientKey, displayName string) (*model.Identity, error) {
	session, err := p.sessionRepo.FindByID(ctx, clientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, newProviderError(CodeNoCurrentUser)
	}

	if err := p.userRepo.UpdateDisplayName(ctx, session.UserID, strings.TrimSpace(displayName)); err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	user, err := p.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	if user == nil {
		return nil, newProviderError(CodeUserNotFound)
	}

	identity := model.NewIdentity(user)
	p.notify(clientKey, identity)
	return identity, nil
}

// SignOut はクライアントキーのセッションを削除し、サインアウト状態を通知する。
func (p *LocalProvider) SignOut(ctx context.Context, clientKey string) error {
	if err := p.sessionRepo.DeleteByID(ctx, clientKey); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	p.mu.Lock()
	p.cancelExpiryLocked(clientKey)
	p.mu.Unlock()
	p.notify(clientKey, nil)
	return nil
}

// currentIdentity はクライアントキーに紐付くユーザーとセッションの有効期限を返す。
// 未サインインの場合はnil。
func (p *LocalProvider) currentIdentity(ctx context.Context, clientKey string) (*model.Identity, time.Time, error) {
	session, err := p.sessionRepo.FindByID(ctx, clientKey)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, time.Time{}, nil
	}
	user, err := p.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to find user: %w", err)
	}
	return model.NewIdentity(user), session.ExpiresAt, nil
}

// bindSession はセッションを保存し、有効期限切れの通知を予約する。
func (p *LocalProvider) bindSession(ctx context.Context, clientKey, userID string) error {
	now := p.now()
	session := &model.Session{
		ID:        clientKey,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(p.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := p.sessionRepo.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	p.scheduleExpiry(clientKey, session.ExpiresAt)
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return newProviderError(CodeInvalidEmail)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return newProviderError(CodeInvalidEmail)
	}
	return nil
}

// compile-time interface check
var _ Provider = (*LocalProvider)(nil)

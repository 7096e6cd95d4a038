package model

import "time"

// User はローカル認証プロバイダーに登録されたアカウントを表す。
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はブラウザのクライアントキーとサインイン中ユーザーの紐付けを表す。
// IDはクライアントキー（session_id Cookie）と同じ値。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity は認証プロバイダーが報告するサインイン中ユーザーの射影。
// 表示名とメールアドレスはプロバイダー側で未設定の場合がある。
type Identity struct {
	ID          string  `json:"uid"`
	DisplayName *string `json:"name"`
	Email       *string `json:"email"`
}

// Clone はIdentityのディープコピーを返す。nilの場合はnilを返す。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := &Identity{ID: i.ID}
	if i.DisplayName != nil {
		name := *i.DisplayName
		c.DisplayName = &name
	}
	if i.Email != nil {
		email := *i.Email
		c.Email = &email
	}
	return c
}

// Name は表示名を返す。未設定の場合は空文字列。
func (i *Identity) Name() string {
	if i == nil || i.DisplayName == nil {
		return ""
	}
	return *i.DisplayName
}

// NewIdentity はUserからIdentityを生成する。空の表示名は未設定として扱う。
func NewIdentity(u *User) *Identity {
	if u == nil {
		return nil
	}
	id := &Identity{ID: u.ID}
	if u.DisplayName != "" {
		name := u.DisplayName
		id.DisplayName = &name
	}
	if u.Email != "" {
		email := u.Email
		id.Email = &email
	}
	return id
}

// SessionState はクライアントごとの認証状態。
// IsResolvingは購読直後のみtrueで、最初の通知でfalseになり以後trueに戻らない。
type SessionState struct {
	Identity    *Identity
	IsResolving bool
}

// Signed はサインイン中かどうかを返す。
func (s SessionState) Signed() bool {
	return s.Identity != nil
}

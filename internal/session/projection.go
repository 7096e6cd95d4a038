package session

import "github.com/hitoshi/carmarket/internal/model"

// Projection はビューに公開する認証状態。
type Projection struct {
	Signed      bool            `json:"signed"`
	LoadingAuth bool            `json:"loadingAuth"`
	User        *model.Identity `json:"user"`
}

// Project はSessionStateからProjectionを導出する。
func Project(state model.SessionState) Projection {
	return Projection{
		Signed:      state.Identity != nil,
		LoadingAuth: state.IsResolving,
		User:        state.Identity.Clone(),
	}
}

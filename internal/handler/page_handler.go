package handler

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/carmarket/internal/auth"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// pageNames はレイアウトと組み合わせて読み込むページテンプレート。
var pageNames = []string{"home", "car", "dashboard", "new", "login", "register"}

// pageData はテンプレートに渡す値。
type pageData struct {
	Title         string
	Auth          session.Projection
	CSRFToken     string
	Listings      []model.Listing
	Listing       *model.Listing
	Rejected      int
	Error         *model.APIError
	MaxUploadSize int64
}

// PageHandler はHTMLページのハンドラー。
type PageHandler struct {
	reader        ListingReader
	provider      AuthProvider
	templates     map[string]*template.Template
	maxUploadSize int64
	logger        *slog.Logger
}

// NewPageHandler はテンプレートを読み込んでPageHandlerを生成する。
func NewPageHandler(reader ListingReader, provider AuthProvider, maxUploadSize int64, logger *slog.Logger) (*PageHandler, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	return &PageHandler{
		reader:        reader,
		provider:      provider,
		templates:     templates,
		maxUploadSize: maxUploadSize,
		logger:        logger,
	}, nil
}

func parseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, err
		}
		templates[name] = t
	}
	return templates, nil
}

// StaticHandler は埋め込みの静的ファイルを配信するハンドラーを返す。
// /static/ 配下にマウントする。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}

// Home は出品一覧ページを表示する。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	result := h.reader.Fetch(r.Context(), "")
	data := h.newPageData(r, "車両一覧")
	data.Listings = result.Listings
	data.Rejected = len(result.Rejected)
	h.render(w, http.StatusOK, "home", data)
}

// Car は車両詳細ページを表示する。見つからない場合は一覧へ戻す。
// GET /car/{id}
func (h *PageHandler) Car(w http.ResponseWriter, r *http.Request) {
	l, err := h.reader.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("failed to load listing", slog.String("error", err.Error()))
		http.Error(w, "車両情報を取得できませんでした。", http.StatusBadGateway)
		return
	}
	if l == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	data := h.newPageData(r, l.Name)
	data.Listing = l
	h.render(w, http.StatusOK, "car", data)
}

// Dashboard はサインイン中ユーザーの出品一覧を表示する。ルートガードの後に配置する。
// GET /dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	result := h.reader.Fetch(r.Context(), userID)
	data := h.newPageData(r, "マイページ")
	data.Listings = result.Listings
	data.Rejected = len(result.Rejected)
	h.render(w, http.StatusOK, "dashboard", data)
}

// NewListing は出品登録フォームを表示する。ルートガードの後に配置する。
// GET /dashboard/new
func (h *PageHandler) NewListing(w http.ResponseWriter, r *http.Request) {
	data := h.newPageData(r, "車両を出品")
	data.MaxUploadSize = h.maxUploadSize
	h.render(w, http.StatusOK, "new", data)
}

// Login はログインページを表示する。表示時に現在のクライアントをサインアウトさせる。
// GET /login
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.signOut(r)
	data := h.newPageData(r, "ログイン")
	data.Error = pageError(r.URL.Query().Get("error"))
	h.render(w, http.StatusOK, "login", data)
}

// Register はアカウント登録ページを表示する。表示時に現在のクライアントをサインアウトさせる。
// GET /register
func (h *PageHandler) Register(w http.ResponseWriter, r *http.Request) {
	h.signOut(r)
	data := h.newPageData(r, "アカウント登録")
	data.Error = pageError(r.URL.Query().Get("error"))
	h.render(w, http.StatusOK, "register", data)
}

// signOut はサインイン中であればサインアウトする。失敗はログのみ。
func (h *PageHandler) signOut(r *http.Request) {
	store, ok := middleware.StoreFromContext(r.Context())
	if !ok || !store.Snapshot().Signed() {
		return
	}
	if err := h.provider.SignOut(r.Context(), store.ClientKey()); err != nil {
		h.logger.Warn("failed to sign out on auth page", slog.String("error", err.Error()))
	}
}

func (h *PageHandler) newPageData(r *http.Request, title string) pageData {
	data := pageData{
		Title:     title,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Auth:      session.Project(model.SessionState{IsResolving: true}),
	}
	if store, ok := middleware.StoreFromContext(r.Context()); ok {
		data.Auth = session.Project(store.Snapshot())
	}
	return data
}

// render はテンプレートをバッファに描画してから書き込む。
// 描画に失敗した場合は途中までのHTMLを返さない。
func (h *PageHandler) render(w http.ResponseWriter, status int, name string, data pageData) {
	t, ok := h.templates[name]
	if !ok {
		h.logger.Error("template not found", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// pageError はクエリのエラーコードを表示用のAPIErrorに変換する。
func pageError(code string) *model.APIError {
	switch code {
	case "":
		return nil
	case model.ErrCodeValidation:
		return model.NewValidationError(nil)
	default:
		return auth.MessageFor(&auth.ProviderError{Code: code})
	}
}

// Package objectstore は画像ファイルを保存するオブジェクトストレージの境界を定義する。
package objectstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
)

// Ref はアップロード済みオブジェクトへの参照。
type Ref struct {
	Bucket string
	Path   string
}

// Store はオブジェクトストレージのインターフェース。
type Store interface {
	// Upload はrの内容をpathに保存する。sizeはバイト数。
	Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Ref, error)
	// ResolveURL はブラウザから取得できるURLを返す。
	ResolveURL(ctx context.Context, ref Ref) (string, error)
	// Delete はpathのオブジェクトを削除する。
	Delete(ctx context.Context, path string) error
}

// ErrInvalidName は所有者配下の単一要素として扱えない名前を表す。
var ErrInvalidName = errors.New("objectstore: invalid object name")

// ValidName はnameがパス区切りや相対要素を含まない単一要素かを返す。
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// ImagePath は車両画像の保存パス images/{ownerID}/{name} を返す。
// ownerIDかnameが単一要素でない場合はErrInvalidNameを返す。
func ImagePath(ownerID, name string) (string, error) {
	if !ValidName(ownerID) || !ValidName(name) {
		return "", ErrInvalidName
	}
	return path.Join("images", ownerID, name), nil
}

// publicURL は公開ベースURLとオブジェクトパスからURLを組み立てる。
func publicURL(base, objectPath string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	return u.JoinPath(objectPath).String(), nil
}

package model

import "time"

// Listing は出品された車両を表す。
// Year, OdometerKm, Priceは入力値をそのまま文字列で保持する。
type Listing struct {
	ID               string         `json:"id"`
	OwnerUserID      string         `json:"uid"`
	Name             string         `json:"name"`
	Model            string         `json:"model"`
	Year             string         `json:"year"`
	OdometerKm       string         `json:"km"`
	Price            string         `json:"price"`
	City             string         `json:"city"`
	Images           []ListingImage `json:"images"`
	OwnerDisplayName string         `json:"owner,omitempty"`
	ContactPhone     string         `json:"whatsapp,omitempty"`
	Description      string         `json:"description,omitempty"`
	CreatedAt        time.Time      `json:"created_at,omitzero"`
}

// CoverImage は一覧表示用の先頭画像を返す。画像がない場合はnil。
func (l *Listing) CoverImage() *ListingImage {
	if len(l.Images) == 0 {
		return nil
	}
	return &l.Images[0]
}

// ListingImage はオブジェクトストレージに保存された車両画像。
// Nameはストレージ上のキーで、パスは images/{OwnerUserID}/{Name}。
type ListingImage struct {
	OwnerUserID string `json:"uid"`
	Name        string `json:"name"`
	URL         string `json:"url"`
}

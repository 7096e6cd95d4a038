package listing

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/carmarket/internal/cache"
	"github.com/hitoshi/carmarket/internal/model"
)

func seededDocStore() *memDocStore {
	docs := newMemDocStore()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	docs.put("car-a", listingFields("u1", "TOYOTA", base, "a1"))
	docs.put("car-b", listingFields("u2", "NISSAN", base.Add(2*time.Hour), "b1"))
	docs.put("car-c", listingFields("u1", "MAZDA", base.Add(time.Hour), "c1", "c2"))
	return docs
}

func TestReader_FetchAll_NewestFirst(t *testing.T) {
	r := NewReader(seededDocStore(), cache.NopListingCache{}, &countingMetrics{}, testLogger())

	result := r.Fetch(context.Background(), "")
	if len(result.Rejected) != 0 {
		t.Fatalf("unexpected rejected: %v", result.Rejected)
	}
	var ids []string
	for _, l := range result.Listings {
		ids = append(ids, l.ID)
	}
	want := []string{"car-b", "car-c", "car-a"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestReader_FetchByOwner(t *testing.T) {
	r := NewReader(seededDocStore(), cache.NopListingCache{}, &countingMetrics{}, testLogger())

	result := r.Fetch(context.Background(), "u1")
	if len(result.Listings) != 2 {
		t.Fatalf("expected 2 listings for u1, got %d", len(result.Listings))
	}
	for _, l := range result.Listings {
		if l.OwnerUserID != "u1" {
			t.Errorf("listing %s belongs to %s", l.ID, l.OwnerUserID)
		}
	}
}

func TestReader_FetchTransportFailureGivesEmptyResult(t *testing.T) {
	docs := seededDocStore()
	docs.findErr = errTransport
	r := NewReader(docs, cache.NopListingCache{}, &countingMetrics{}, testLogger())

	result := r.Fetch(context.Background(), "")
	if result.Listings == nil || len(result.Listings) != 0 {
		t.Errorf("expected empty non-nil listings, got %#v", result.Listings)
	}
	if len(result.Rejected) != 0 {
		t.Errorf("expected no rejected, got %v", result.Rejected)
	}
}

func TestReader_FetchRejectsMalformedDocuments(t *testing.T) {
	docs := seededDocStore()
	broken := listingFields("u1", "BROKEN", time.Now(), "x")
	delete(broken, "price")
	docs.put("car-broken", broken)
	m := &countingMetrics{}
	r := NewReader(docs, cache.NopListingCache{}, m, testLogger())

	result := r.Fetch(context.Background(), "u1")
	if len(result.Listings) != 2 {
		t.Errorf("expected 2 valid listings, got %d", len(result.Listings))
	}
	if len(result.Rejected) != 1 || result.Rejected[0].DocumentID != "car-broken" {
		t.Fatalf("unexpected rejected: %v", result.Rejected)
	}
	if result.Rejected[0].Issues[0].Field != "price" {
		t.Errorf("issue field = %q", result.Rejected[0].Issues[0].Field)
	}
	if m.decodeFailures != 1 {
		t.Errorf("decodeFailures = %d, want 1", m.decodeFailures)
	}
}

func TestReader_FetchAllUsesCache(t *testing.T) {
	docs := seededDocStore()
	c := &memCache{}
	r := NewReader(docs, c, &countingMetrics{}, testLogger())

	first := r.Fetch(context.Background(), "")
	if len(first.Listings) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(first.Listings))
	}
	calls := docs.callCount()

	second := r.Fetch(context.Background(), "")
	if len(second.Listings) != 3 {
		t.Fatalf("expected 3 cached listings, got %d", len(second.Listings))
	}
	if docs.callCount() != calls {
		t.Errorf("expected cache hit without a store call")
	}

	// 所有者指定はキャッシュを使わない
	r.Fetch(context.Background(), "u2")
	if docs.callCount() != calls+1 {
		t.Errorf("owner-filtered fetch should query the store")
	}
}

func TestReader_Get(t *testing.T) {
	docs := seededDocStore()
	broken := listingFields("u1", "BROKEN", time.Now())
	delete(broken, "images")
	docs.put("car-broken", broken)
	r := NewReader(docs, cache.NopListingCache{}, &countingMetrics{}, testLogger())
	ctx := context.Background()

	l, err := r.Get(ctx, "car-c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l == nil || l.Name != "MAZDA" || len(l.Images) != 2 {
		t.Errorf("unexpected listing: %+v", l)
	}

	for _, id := range []string{"missing", "car-broken"} {
		l, err := r.Get(ctx, id)
		if err != nil || l != nil {
			t.Errorf("Get(%q) = %v, %v; want nil, nil", id, l, err)
		}
	}
}

func TestReader_GetTransportFailure(t *testing.T) {
	docs := seededDocStore()
	docs.getErr = errTransport
	r := NewReader(docs, cache.NopListingCache{}, &countingMetrics{}, testLogger())

	_, err := r.Get(context.Background(), "car-a")
	apiErr, ok := err.(*model.APIError)
	if !ok {
		t.Fatalf("expected *model.APIError, got %T", err)
	}
	if apiErr.Category != model.CategoryTransport {
		t.Errorf("Category = %q", apiErr.Category)
	}
}

package listing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/carmarket/internal/cache"
	"github.com/hitoshi/carmarket/internal/docstore"
	"github.com/hitoshi/carmarket/internal/events"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/objectstore"
	"github.com/hitoshi/carmarket/internal/security"
)

var errTransport = errors.New("connection refused")

// --- memDocStore ---

type memDocStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	order   []string
	nextID  int
	calls   int
	findErr error
	getErr  error
	addErr  error
	delErr  error
}

func newMemDocStore() *memDocStore {
	return &memDocStore{docs: make(map[string]map[string]any)}
}

func (m *memDocStore) put(id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		m.order = append(m.order, id)
	}
	m.docs[id] = fields
}

func (m *memDocStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memDocStore) Find(_ context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	if collection != Collection {
		return nil, nil
	}

	var out []docstore.Document
	for _, id := range m.order {
		fields, ok := m.docs[id]
		if !ok {
			continue
		}
		if q.Filter != nil && fields[q.Filter.Field] != q.Filter.Value {
			continue
		}
		out = append(out, docstore.Document{ID: id, Fields: fields})
	}
	if q.Order != nil {
		field := q.Order.Field
		desc := q.Order.Descending
		sort.SliceStable(out, func(i, j int) bool {
			ti, _ := out[i].Fields[field].(time.Time)
			tj, _ := out[j].Fields[field].(time.Time)
			if desc {
				return ti.After(tj)
			}
			return ti.Before(tj)
		})
	}
	return out, nil
}

func (m *memDocStore) Get(_ context.Context, collection, id string) (*docstore.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	fields, ok := m.docs[id]
	if !ok || collection != Collection {
		return nil, nil
	}
	return &docstore.Document{ID: id, Fields: fields}, nil
}

func (m *memDocStore) Add(_ context.Context, _ string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.addErr != nil {
		return "", m.addErr
	}
	m.nextID++
	id := fmt.Sprintf("car-%d", m.nextID)
	m.docs[id] = fields
	m.order = append(m.order, id)
	return id, nil
}

func (m *memDocStore) Delete(_ context.Context, _ string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.docs, id)
	return nil
}

// --- memObjectStore ---

type memObjectStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	calls      int
	uploadErr  error
	resolveErr error
	deleteErrs map[string]error
	deleted    []string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{
		objects:    make(map[string][]byte),
		deleteErrs: make(map[string]error),
	}
}

func (m *memObjectStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memObjectStore) has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

func (m *memObjectStore) Upload(_ context.Context, path string, r io.Reader, _ int64, _ string) (objectstore.Ref, error) {
	m.mu.Lock()
	m.calls++
	uploadErr := m.uploadErr
	m.mu.Unlock()
	if uploadErr != nil {
		return objectstore.Ref{}, uploadErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return objectstore.Ref{}, err
	}
	m.mu.Lock()
	m.objects[path] = body
	m.mu.Unlock()
	return objectstore.Ref{Bucket: "test", Path: path}, nil
}

func (m *memObjectStore) ResolveURL(_ context.Context, ref objectstore.Ref) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	return "https://cdn.example.com/" + ref.Path, nil
}

func (m *memObjectStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := m.deleteErrs[path]; err != nil {
		return err
	}
	delete(m.objects, path)
	m.deleted = append(m.deleted, path)
	return nil
}

// --- recording collaborators ---

type recordingPublisher struct {
	mu      sync.Mutex
	created []events.ListingCreated
	deleted []events.ListingDeleted
}

func (p *recordingPublisher) PublishListingCreated(_ context.Context, ev events.ListingCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, ev)
	return nil
}

func (p *recordingPublisher) PublishListingDeleted(_ context.Context, ev events.ListingDeleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ev)
	return nil
}

type memCache struct {
	mu          sync.Mutex
	listings    []model.Listing
	ok          bool
	invalidated int
}

func (c *memCache) GetAll(context.Context) ([]model.Listing, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listings, c.ok, nil
}

func (c *memCache) SetAll(_ context.Context, listings []model.Listing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = listings
	c.ok = true
	return nil
}

func (c *memCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = nil
	c.ok = false
	c.invalidated++
	return nil
}

type countingMetrics struct {
	metrics.Nop
	mu             sync.Mutex
	decodeFailures int
	imageDeletes   map[bool]int
}

func (m *countingMetrics) RecordDecodeFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodeFailures++
}

func (m *countingMetrics) RecordImageDelete(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.imageDeletes == nil {
		m.imageDeletes = make(map[bool]int)
	}
	m.imageDeletes[success]++
}

var (
	_ docstore.Store           = (*memDocStore)(nil)
	_ objectstore.Store        = (*memObjectStore)(nil)
	_ events.Publisher         = (*recordingPublisher)(nil)
	_ cache.ListingCache       = (*memCache)(nil)
	_ metrics.MetricsCollector = (*countingMetrics)(nil)
)

// --- helpers ---

type writerFixture struct {
	writer    *Writer
	docs      *memDocStore
	objects   *memObjectStore
	cache     *memCache
	publisher *recordingPublisher
	metrics   *countingMetrics
}

func newWriterFixture() *writerFixture {
	f := &writerFixture{
		docs:      newMemDocStore(),
		objects:   newMemObjectStore(),
		cache:     &memCache{},
		publisher: &recordingPublisher{},
		metrics:   &countingMetrics{},
	}
	f.writer = NewWriter(WriterDeps{
		Docs:      f.docs,
		Objects:   f.objects,
		Cache:     f.cache,
		Events:    f.publisher,
		Sanitizer: security.NewTextSanitizer(),
		Metrics:   f.metrics,
		Logger:    testLogger(),
	})
	f.writer.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	keys := 0
	f.writer.newKey = func() string {
		keys++
		return imageKey(keys)
	}
	return f
}

// imageKey はfixtureが採番するn番目の画像キーを返す。
func imageKey(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validForm() Form {
	return Form{
		Name:        "toyota",
		Model:       "Corolla",
		Year:        "2019",
		Km:          "42000",
		Price:       "1500000",
		City:        "Osaka",
		Whatsapp:    "819012345678",
		Description: "ワンオーナー車",
	}
}

func listingFields(owner, name string, createdAt time.Time, imageNames ...string) map[string]any {
	images := make([]any, len(imageNames))
	for i, n := range imageNames {
		images[i] = map[string]any{
			"userId": owner,
			"name":   n,
			"url":    "https://cdn.example.com/images/" + owner + "/" + n,
		}
	}
	return map[string]any{
		"userId":      owner,
		"name":        name,
		"model":       "M",
		"year":        "2020",
		"km":          "1000",
		"price":       "100",
		"city":        "Tokyo",
		"whatsapp":    "81901234567",
		"description": "desc",
		"owner":       "Owner " + owner,
		"createdAt":   createdAt,
		"images":      images,
	}
}

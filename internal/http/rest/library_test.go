package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/cycle"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	records []storage.ItemRecord
	counts  map[content.Status]int
	cycle   *storage.CycleProgress
	err     error
}

func (m *mockStore) ListItems(context.Context) ([]storage.ItemRecord, error) {
	return m.records, m.err
}

func (m *mockStore) StatusCounts(context.Context) (map[content.Status]int, error) {
	return m.counts, m.err
}

func (m *mockStore) LatestCycle(context.Context) (*storage.CycleProgress, error) {
	if m.err != nil {
		return nil, m.err
	}

	if m.cycle == nil {
		return nil, storage.ErrNotFound
	}

	return m.cycle, nil
}

type mockCoordinator struct {
	queueItemsFunc func(ctx context.Context, ids []string) (*cycle.QueueResult, error)
	refreshErr     error
	running        bool
	lastIDs        []string
	lastInvalidate bool
	refreshCalled  bool
}

func (m *mockCoordinator) QueueItems(ctx context.Context, ids []string) (*cycle.QueueResult, error) {
	m.lastIDs = ids
	if m.queueItemsFunc != nil {
		return m.queueItemsFunc(ctx, ids)
	}

	return &cycle.QueueResult{Queued: ids}, nil
}

func (m *mockCoordinator) Refresh(_ context.Context, invalidate bool) error {
	m.refreshCalled = true
	m.lastInvalidate = invalidate

	return m.refreshErr
}

func (m *mockCoordinator) Running() bool { return m.running }

type mockQueue struct{ depth, inFlight int }

func (m mockQueue) QueueDepth() int { return m.depth }
func (m mockQueue) InFlight() int   { return m.inFlight }

func newTestHandler(store *mockStore, coord *mockCoordinator) http.Handler {
	return NewLibraryHandler("", "", store, coord, mockQueue{depth: 3, inFlight: 2}).Routes()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandleLibrary(t *testing.T) {
	updated := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	store := &mockStore{records: []storage.ItemRecord{
		{
			Item:       content.Item{ID: "wiki", Name: "wikipedia_en_all", Title: "Wikipedia", Language: "eng", Category: "wikipedia", Size: 100, Version: "2024-05"},
			Descriptor: &content.Descriptor{ItemID: "wiki", Size: 3 << 20},
			State:      &content.LocalState{ItemID: "wiki", Version: "2024-04", Path: "wikipedia/wikipedia_en_all_2024-04.zim", Status: content.StatusDownloaded, UpdatedAt: updated},
		},
		{Item: content.Item{ID: "ted", Name: "ted_en_all", Title: "TED", Language: "eng", Category: "ted", Size: 2048, Version: "2024-05"}},
	}}

	rec := do(t, newTestHandler(store, &mockCoordinator{}), http.MethodGet, "/library", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var books []BookView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&books))
	require.Len(t, books, 2)

	assert.Equal(t, int64(3<<20), books[0].Size, "descriptor size wins over the declared size")
	assert.Equal(t, "3.0 MiB", books[0].SizeHuman)
	assert.Equal(t, content.StatusDownloaded, books[0].Status)
	assert.Equal(t, "2024-04", books[0].LocalVersion)
	require.NotNil(t, books[0].UpdatedAt)
	assert.True(t, updated.Equal(*books[0].UpdatedAt))

	assert.Equal(t, content.StatusNotDownloaded, books[1].Status)
	assert.Equal(t, "2.0 KiB", books[1].SizeHuman)
	assert.Nil(t, books[1].UpdatedAt)
}

func TestHandleLibrary_StoreError(t *testing.T) {
	rec := do(t, newTestHandler(&mockStore{err: errors.New("db closed")}, &mockCoordinator{}), http.MethodGet, "/library", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleQueue(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
		wantCalled bool
	}{
		{name: "queues books", body: `{"books":["wiki","ted"]}`, wantStatus: http.StatusAccepted, wantCalled: true},
		{name: "invalid json", body: `{"books":`, wantStatus: http.StatusBadRequest},
		{name: "empty list", body: `{"books":[]}`, wantStatus: http.StatusBadRequest},
		{name: "store failure", body: `{"books":["wiki"]}`, queueErr: errors.New("db closed"), wantStatus: http.StatusServiceUnavailable, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &mockCoordinator{}
			if tt.queueErr != nil {
				coord.queueItemsFunc = func(context.Context, []string) (*cycle.QueueResult, error) {
					return nil, tt.queueErr
				}
			}

			rec := do(t, newTestHandler(&mockStore{}, coord), http.MethodPost, "/queue", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, coord.lastIDs != nil)
		})
	}
}

func TestHandleQueue_ReportsRejections(t *testing.T) {
	coord := &mockCoordinator{queueItemsFunc: func(_ context.Context, ids []string) (*cycle.QueueResult, error) {
		return &cycle.QueueResult{Queued: ids[:1], Rejected: map[string]string{ids[1]: cycle.RejectUnknown}}, nil
	}}

	rec := do(t, newTestHandler(&mockStore{}, coord), http.MethodPost, "/queue", `{"books":["wiki","nope"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res cycle.QueueResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, []string{"wiki"}, res.Queued)
	assert.Equal(t, map[string]string{"nope": cycle.RejectUnknown}, res.Rejected)
}

func TestHandleStatus(t *testing.T) {
	store := &mockStore{counts: map[content.Status]int{content.StatusDownloaded: 4, content.StatusFailed: 1}}

	rec := do(t, newTestHandler(store, &mockCoordinator{running: true}), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 3, got.QueueSize)
	assert.Equal(t, 2, got.ActiveDownloads)
	assert.True(t, got.CycleRunning)
	assert.Equal(t, 4, got.Downloads[content.StatusDownloaded])
}

func TestHandleMeta4Status(t *testing.T) {
	rec := do(t, newTestHandler(&mockStore{}, &mockCoordinator{}), http.MethodGet, "/meta4-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_files":0,"processed_files":0,"last_updated":null,"is_complete":false}`, rec.Body.String())

	updated := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	store := &mockStore{cycle: &storage.CycleProgress{CycleID: "c1", Total: 10, Processed: 4, UpdatedAt: updated}}

	rec = do(t, newTestHandler(store, &mockCoordinator{}), http.MethodGet, "/meta4-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_files":10,"processed_files":4,"last_updated":"2024-05-03T10:00:00Z","is_complete":false}`, rec.Body.String())
}

func TestHandleRefresh(t *testing.T) {
	coord := &mockCoordinator{}

	rec := do(t, newTestHandler(&mockStore{}, coord), http.MethodPost, "/refresh?invalidate=true", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, coord.refreshCalled)
	assert.True(t, coord.lastInvalidate)

	coord = &mockCoordinator{refreshErr: cycle.ErrCycleRunning}

	rec = do(t, newTestHandler(&mockStore{}, coord), http.MethodPost, "/refresh", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, coord.lastInvalidate)
}

func TestHandleIndex(t *testing.T) {
	rec := do(t, newTestHandler(&mockStore{}, &mockCoordinator{}), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Library maintainer")
}

func TestBasicAuthMiddleware(t *testing.T) {
	h := NewLibraryHandler("admin", "secret", &mockStore{}, &mockCoordinator{}, mockQueue{}).Routes()

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "missing credentials", wantStatus: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", pass: "nope", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "valid credentials", user: "admin", pass: "secret", setAuth: true, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]content.LocalState
	seen   []content.Status
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]content.LocalState)}
}

func (m *memStore) GetLocalState(_ context.Context, id string) (*content.LocalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return &s, nil
}

func (m *memStore) SaveLocalState(_ context.Context, state *content.LocalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.ItemID] = *state
	m.seen = append(m.seen, state.Status)

	return nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status content.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.states[id]
	s.ItemID = id
	s.Status = status
	m.states[id] = s
	m.seen = append(m.seen, status)

	return nil
}

func (m *memStore) state(id string) (content.LocalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[id]

	return s, ok
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

func testConfig() Config {
	return Config{
		MaxParallel:    2,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		ChunkSize:      8,
	}
}

func testTask(dir string, urls []string, body []byte) Task {
	item := &content.Item{
		ID:       "wiki",
		Name:     "wikipedia_en_all",
		Title:    "Wikipedia",
		Category: "wikipedia",
		Version:  "2024-05",
	}

	desc := &content.Descriptor{
		ItemID:    "wiki",
		FileName:  "wikipedia_en_all_2024-05.zim",
		Size:      int64(len(body)),
		Checksums: map[string]string{content.AlgoSHA256: sha(body)},
		Mirrors:   urls,
	}

	return Task{Item: item, Descriptor: desc, Dest: content.DestPath(dir, item, desc)}
}

func TestDownloadItem_PlacesVerifiedFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("zim file contents for the current version")
	task := testTask(dir, nil, body)

	old := filepath.Join(dir, "wikipedia", "wikipedia_en_all_2023-11.zim")
	other := filepath.Join(dir, "wikipedia", "wikipedia_fr_all_2023-11.zim")

	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0o755))
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o600))
	require.NoError(t, os.WriteFile(other, []byte("other"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, err := os.Stat(task.Dest)
		assert.True(t, os.IsNotExist(err), "destination must not be visible before verification")

		_, _ = w.Write(body)
	}))
	defer srv.Close()

	task.Descriptor.Mirrors = []string{srv.URL + "/wikipedia_en_all_2024-05.zim"}

	store := newMemStore()
	d := NewDownloader(testConfig(), srv.Client(), store, nil)

	require.NoError(t, d.DownloadItem(context.Background(), task))

	data, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	assert.NoFileExists(t, task.Dest+tmpSuffix)
	assert.NoFileExists(t, old)
	assert.FileExists(t, other)

	state, ok := store.state("wiki")
	require.True(t, ok)
	assert.Equal(t, content.StatusDownloaded, state.Status)
	assert.Equal(t, "2024-05", state.Version)
	assert.Equal(t, int64(len(body)), state.Size)
	assert.Equal(t, "sha-256:"+sha(body), state.Checksum)
	assert.Equal(t, task.Dest, state.Path)
	assert.Equal(t, []content.Status{content.StatusDownloading, content.StatusDownloaded}, store.seen)

	select {
	case e := <-d.Events():
		assert.Equal(t, EventFinished, e.Kind)
		assert.Equal(t, "wiki", e.ItemID)
		assert.Equal(t, "Wikipedia", e.Title)
	default:
		t.Fatal("expected a finished event")
	}

	assert.False(t, d.IsActive("wiki"))
}

func TestDownload_FailsOverAcrossMirrors(t *testing.T) {
	dir := t.TempDir()
	body := []byte("verified payload")

	var unavailable, corrupt, good atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, _ *http.Request) {
		unavailable.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/corrupt", func(w http.ResponseWriter, _ *http.Request) {
		corrupt.Add(1)
		_, _ = w.Write([]byte("tampered payload"))
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, _ *http.Request) {
		good.Add(1)
		_, _ = w.Write(body)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	task := testTask(dir, []string{srv.URL + "/unavailable", srv.URL + "/corrupt", srv.URL + "/good"}, body)

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	res, err := d.Download(context.Background(), task.Descriptor, task.Dest)
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/good", res.Mirror)
	assert.Equal(t, int32(1), unavailable.Load())
	assert.Equal(t, int32(1), corrupt.Load())
	assert.Equal(t, int32(1), good.Load())
	assert.NoFileExists(t, task.Dest+tmpSuffix)
}

func TestDownloadItem_ExhaustedRestoresPreviousState(t *testing.T) {
	dir := t.TempDir()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	task := testTask(dir, []string{srv.URL + "/a", srv.URL + "/b"}, []byte("never delivered"))

	store := newMemStore()
	prev := content.LocalState{
		ItemID:   "wiki",
		Version:  "2023-11",
		Size:     3,
		Checksum: "sha-256:abc",
		Path:     filepath.Join(dir, "wikipedia", "wikipedia_en_all_2023-11.zim"),
		Status:   content.StatusDownloaded,
	}
	store.states["wiki"] = prev

	d := NewDownloader(testConfig(), srv.Client(), store, nil)

	err := d.DownloadItem(context.Background(), task)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrExhausted)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)

	assert.Equal(t, int32(6), hits.Load(), "three attempts over two mirrors")

	state, _ := store.state("wiki")
	assert.Equal(t, prev, state)

	assert.NoFileExists(t, task.Dest)
	assert.NoFileExists(t, task.Dest+tmpSuffix)

	select {
	case e := <-d.Events():
		assert.Equal(t, EventFailed, e.Kind)
		require.Error(t, e.Err)
	default:
		t.Fatal("expected a failed event")
	}
}

func TestDownloadItem_FailureWithoutPreviousStateIsRecorded(t *testing.T) {
	dir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	task := testTask(dir, []string{srv.URL + "/a"}, []byte("the expected payload"))

	store := newMemStore()
	d := NewDownloader(testConfig(), srv.Client(), store, nil)

	err := d.DownloadItem(context.Background(), task)
	require.ErrorIs(t, err, ErrExhausted)

	var integrity *transfer.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "size", integrity.Kind)

	state, ok := store.state("wiki")
	require.True(t, ok)
	assert.Equal(t, content.StatusFailed, state.Status)
	assert.Empty(t, state.Path)
}

func TestDownload_ConfigurationErrorIsNotRetried(t *testing.T) {
	dir := t.TempDir()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	blocker := filepath.Join(dir, "wikipedia")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o600))

	task := testTask(dir, []string{srv.URL + "/a"}, []byte("x"))

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	_, err := d.Download(context.Background(), task.Descriptor, task.Dest)

	var cfgErr *transfer.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(0), hits.Load())
}

func TestDownload_NoCandidates(t *testing.T) {
	d := NewDownloader(testConfig(), http.DefaultClient, newMemStore(), nil)

	_, err := d.Download(context.Background(), &content.Descriptor{ItemID: "x"}, filepath.Join(t.TempDir(), "x.zim"))

	var cfgErr *transfer.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestDownload_BoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	body := []byte("payload")

	var inFlight, peak atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	var wg sync.WaitGroup

	for i := range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			desc := &content.Descriptor{
				Size:      int64(len(body)),
				Checksums: map[string]string{content.AlgoSHA256: sha(body)},
				Mirrors:   []string{srv.URL},
			}

			_, err := d.Download(context.Background(), desc, filepath.Join(dir, "other", "f"+string(rune('a'+i))+".zim"))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, d.InFlight())
	assert.Equal(t, 0, d.QueueDepth())
}

func TestQueueDownload_RejectsDuplicatesAndRuns(t *testing.T) {
	dir := t.TempDir()
	body := []byte("queued payload")

	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	task := testTask(dir, nil, body)
	task.Descriptor.Mirrors = []string{srv.URL}

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	require.NoError(t, d.QueueDownload(task))
	require.ErrorIs(t, d.QueueDownload(task), ErrAlreadyActive)
	require.ErrorIs(t, d.DownloadItem(context.Background(), task), ErrAlreadyActive)
	assert.True(t, d.IsActive("wiki"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		d.Run(ctx)
		close(done)
	}()

	close(release)

	select {
	case e := <-d.Events():
		assert.Equal(t, EventFinished, e.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("queued download did not finish")
	}

	cancel()
	<-done

	assert.FileExists(t, task.Dest)
	assert.ErrorIs(t, d.QueueDownload(task), ErrStopped)
}

func TestClaim_RejectsSecondItemForSameDestination(t *testing.T) {
	d := NewDownloader(testConfig(), http.DefaultClient, newMemStore(), nil)

	first := testTask(t.TempDir(), []string{"http://127.0.0.1:1/a"}, []byte("a"))
	twin := first
	twin.Item = &content.Item{ID: "wikipedia_en_all", Name: "wikipedia_en_all", Category: "wikipedia"}

	require.NoError(t, d.QueueDownload(first))
	require.ErrorIs(t, d.QueueDownload(twin), ErrAlreadyActive)
	require.ErrorIs(t, d.DownloadItem(context.Background(), twin), ErrAlreadyActive)
	assert.False(t, d.IsActive("wikipedia_en_all"))

	d.release(first)
	require.NoError(t, d.QueueDownload(twin))
	assert.True(t, d.IsActive("wikipedia_en_all"))
}

func TestQueueDownload_Full(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1

	d := NewDownloader(cfg, http.DefaultClient, newMemStore(), nil)

	first := testTask(t.TempDir(), []string{"http://127.0.0.1:1/a"}, []byte("a"))
	second := first
	second.Item = &content.Item{ID: "other"}
	second.Dest = first.Dest + ".other"

	require.NoError(t, d.QueueDownload(first))
	require.ErrorIs(t, d.QueueDownload(second), ErrQueueFull)
	assert.False(t, d.IsActive("other"))
	assert.Equal(t, 1, d.QueueDepth())
}

func TestDownload_CancelledContext(t *testing.T) {
	dir := t.TempDir()

	started := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	task := testTask(dir, []string{srv.URL}, make([]byte, 1000))

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		cancel()
	}()

	_, err := d.Download(ctx, task.Descriptor, task.Dest)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, task.Dest)
	assert.NoFileExists(t, task.Dest+tmpSuffix)
}

func TestDownload_StalledMirrorFailsOver(t *testing.T) {
	dir := t.TempDir()
	body := []byte("payload served by the healthy mirror")

	var stalledHits, goodHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/stalled", func(w http.ResponseWriter, r *http.Request) {
		stalledHits.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:3])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, _ *http.Request) {
		goodHits.Add(1)
		_, _ = w.Write(body)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	task := testTask(dir, []string{srv.URL + "/stalled", srv.URL + "/good"}, body)

	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond

	d := NewDownloader(cfg, srv.Client(), newMemStore(), nil)

	done := make(chan struct{})

	var (
		res *Result
		err error
	)

	go func() {
		defer close(done)

		res, err = d.Download(context.Background(), task.Descriptor, task.Dest)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("download hung on a stalled mirror")
	}

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/good", res.Mirror)
	assert.Equal(t, int32(1), stalledHits.Load())
	assert.Equal(t, int32(1), goodHits.Load())

	data, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestDownload_StalledOnlyMirrorIsRetryable(t *testing.T) {
	dir := t.TempDir()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	task := testTask(dir, []string{srv.URL}, make([]byte, 100))

	cfg := testConfig()
	cfg.RetryAttempts = 2
	cfg.IdleTimeout = 20 * time.Millisecond

	d := NewDownloader(cfg, srv.Client(), newMemStore(), nil)

	_, err := d.Download(context.Background(), task.Descriptor, task.Dest)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, ErrStalled)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), hits.Load())
	assert.NoFileExists(t, task.Dest+tmpSuffix)
}

func TestDownload_BackoffDoublesBetweenAttempts(t *testing.T) {
	dir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	task := testTask(dir, []string{srv.URL}, []byte("x"))

	var (
		mu    sync.Mutex
		waits []time.Duration
	)

	cfg := testConfig()
	cfg.RetryAttempts = 4
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.OnRetry = func(_ error, wait time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		waits = append(waits, wait)
	}

	d := NewDownloader(cfg, srv.Client(), newMemStore(), nil)

	_, err := d.Download(context.Background(), task.Descriptor, task.Dest)
	require.ErrorIs(t, err, ErrExhausted)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	}, waits)
}

func TestDownloadItem_PreviousFileStaysWholeUntilVerified(t *testing.T) {
	dir := t.TempDir()
	previous := []byte("previous complete file")
	body := []byte("new release streamed in two halves")

	task := testTask(dir, nil, body)
	require.NoError(t, os.MkdirAll(filepath.Dir(task.Dest), 0o755))
	require.NoError(t, os.WriteFile(task.Dest, previous, 0o600))

	halfSent := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		close(halfSent)
		<-release
		_, _ = w.Write(body[len(body)/2:])
	}))
	defer srv.Close()

	task.Descriptor.Mirrors = []string{srv.URL}

	d := NewDownloader(testConfig(), srv.Client(), newMemStore(), nil)

	errc := make(chan error, 1)

	go func() {
		errc <- d.DownloadItem(context.Background(), task)
	}()

	select {
	case <-halfSent:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
	}

	assert.Eventually(t, func() bool {
		info, err := os.Stat(task.Dest + tmpSuffix)

		return err == nil && info.Size() == int64(len(body)/2)
	}, 5*time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, previous, data, "destination keeps the previous file mid-transfer")

	close(release)
	require.NoError(t, <-errc)

	data, err = os.ReadFile(task.Dest)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.NoFileExists(t, task.Dest+tmpSuffix)
}

package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepTempFiles(t *testing.T) {
	dir := t.TempDir()

	files := map[string]bool{
		"wikipedia/wikipedia_en_all_2024-05.zim":     false,
		"wikipedia/wikipedia_en_all_2024-06.zim.tmp": true,
		"ted/ted_en_all_2024-01.zim.tmp":             true,
		"library.xml":                                false,
		"library.xml.tmp":                            true,
	}

	for name := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	removed, err := SweepTempFiles(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for name, isTmp := range files {
		if isTmp {
			assert.NoFileExists(t, filepath.Join(dir, name))
		} else {
			assert.FileExists(t, filepath.Join(dir, name))
		}
	}
}

func TestSweepTempFiles_MissingDir(t *testing.T) {
	removed, err := SweepTempFiles(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePurger) Purge(_ context.Context, cutoff time.Time) (storage.PurgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cutoffs = append(f.cutoffs, cutoff)

	return storage.PurgeResult{Items: 2}, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.cutoffs)
}

func TestPurgeExpired(t *testing.T) {
	p := &fakePurger{}
	now := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

	res, err := PurgeExpired(context.Background(), p, 30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Items)
	assert.Equal(t, []time.Time{time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}, p.cutoffs)

	p.err = errors.New("locked")
	_, err = PurgeExpired(context.Background(), p, time.Hour, now)
	require.Error(t, err)
}

func TestRunPurger(t *testing.T) {
	p := &fakePurger{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		RunPurger(ctx, p, time.Hour, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

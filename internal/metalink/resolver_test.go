package metalink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordDescriptorResolution(_ context.Context, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts == nil {
		r.counts = map[string]int{}
	}

	r.counts[status]++
}

func descriptorFor(name string) string {
	return fmt.Sprintf(`<metalink xmlns="urn:ietf:params:xml:ns:metalink"><file name="%s"><size>10</size>`+
		`<url priority="1">https://mirror.example/%s</url></file></metalink>`, name, name)
}

func TestResolveBatchDropsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), content.DescriptorSuffix)

		switch name {
		case "broken.zim":
			_, _ = w.Write([]byte("<metalink><file"))
		case "missing.zim":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte(descriptorFor(name)))
		}
	}))
	defer srv.Close()

	items := []*content.Item{
		{ID: "a", Version: "2024-01", DescriptorURL: srv.URL + "/a.zim.meta4"},
		{ID: "broken", DescriptorURL: srv.URL + "/broken.zim.meta4"},
		{ID: "missing", DescriptorURL: srv.URL + "/missing.zim.meta4"},
		{ID: "nourl"},
		{ID: "b", DescriptorURL: srv.URL + "/b.zim.meta4"},
	}

	rec := &countingRecorder{}
	r := NewResolver(srv.Client(), 0, time.Second, rec)

	got := r.ResolveBatch(context.Background(), items)
	require.Len(t, got, 2)

	assert.Equal(t, "a", got[0].ItemID)
	assert.Equal(t, "2024-01", got[0].Version)
	assert.Equal(t, "a.zim", got[0].FileName)
	assert.Equal(t, "b", got[1].ItemID)

	assert.Equal(t, 2, rec.counts["success"])
	assert.Equal(t, 2, rec.counts["error"])
}

func TestResolveReportsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not xml at all"))
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), 10, time.Second, nil)

	_, err := r.Resolve(context.Background(), &content.Item{ID: "x", DescriptorURL: srv.URL + "/x.zim.meta4"})

	var perr *transfer.ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "descriptor", perr.Document)
}

func TestBatchesUseFixedWindows(t *testing.T) {
	items := make([]*content.Item, 250)
	for i := range items {
		items[i] = &content.Item{ID: fmt.Sprint(i)}
	}

	batches := NewResolver(http.DefaultClient, 100, 0, nil).Batches(items)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)
	assert.Equal(t, "200", batches[2][0].ID)
}

func TestResolveBatchBoundsInFlightRequests(t *testing.T) {
	var inFlight, peak atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)

		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(descriptorFor("f.zim")))
	}))
	defer srv.Close()

	items := make([]*content.Item, 12)
	for i := range items {
		items[i] = &content.Item{ID: fmt.Sprint(i), DescriptorURL: srv.URL + "/f.zim.meta4"}
	}

	r := NewResolver(srv.Client(), 4, time.Second, nil)

	var resolved int
	for _, batch := range r.Batches(items) {
		resolved += len(r.ResolveBatch(context.Background(), batch))
	}

	assert.Equal(t, 12, resolved)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}

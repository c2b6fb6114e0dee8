package metalink

import (
	"context"
	"net/http"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds the number of descriptor requests in flight at once.
const DefaultBatchSize = 100

// Recorder observes resolution outcomes.
type Recorder interface {
	RecordDescriptorResolution(ctx context.Context, status string)
}

// Resolver fetches per-item descriptors in fixed-size windows: a window is launched
// completely and awaited before the next one starts.
type Resolver struct {
	client    *http.Client
	batchSize int
	timeout   time.Duration
	recorder  Recorder
}

// NewResolver creates a resolver. A non-positive batch size selects DefaultBatchSize.
func NewResolver(client *http.Client, batchSize int, timeout time.Duration, recorder Recorder) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Resolver{
		client:    client,
		batchSize: batchSize,
		timeout:   timeout,
		recorder:  recorder,
	}
}

// BatchSize returns the window size.
func (r *Resolver) BatchSize() int {
	return r.batchSize
}

// Batches splits items into windows of BatchSize.
func (r *Resolver) Batches(items []*content.Item) [][]*content.Item {
	var out [][]*content.Item

	for start := 0; start < len(items); start += r.batchSize {
		end := min(start+r.batchSize, len(items))
		out = append(out, items[start:end])
	}

	return out
}

// ResolveBatch resolves one window concurrently. Items without a descriptor URL and items
// whose descriptor cannot be fetched or parsed are dropped from the result and logged; they
// are not retried within this pass. Results keep input order.
func (r *Resolver) ResolveBatch(ctx context.Context, items []*content.Item) []*content.Descriptor {
	results := make([]*content.Descriptor, len(items))

	var wg errgroup.Group

	for i, item := range items {
		if item.DescriptorURL == "" {
			continue
		}

		wg.Go(func() error {
			d, err := r.Resolve(ctx, item)
			if err != nil {
				logctx.LoggerFromContext(ctx).Warn("failed to resolve descriptor",
					"item_id", item.ID, "url", item.DescriptorURL, "err", err)
				r.record(ctx, "error")

				return nil
			}

			r.record(ctx, "success")
			results[i] = d

			return nil
		})
	}

	_ = wg.Wait()

	out := make([]*content.Descriptor, 0, len(items))
	for _, d := range results {
		if d != nil {
			out = append(out, d)
		}
	}

	return out
}

// Resolve fetches and parses a single item's descriptor.
func (r *Resolver) Resolve(ctx context.Context, item *content.Item) (*content.Descriptor, error) {
	data, err := transfer.Fetch(ctx, r.client, "fetch_descriptor", item.DescriptorURL, r.timeout)
	if err != nil {
		return nil, err
	}

	d, err := Parse(data, item.DescriptorURL)
	if err != nil {
		return nil, &transfer.ParseError{Document: "descriptor", Source: item.DescriptorURL, Err: err}
	}

	d.ItemID = item.ID
	d.Version = item.Version

	return d, nil
}

func (r *Resolver) record(ctx context.Context, status string) {
	if r.recorder == nil {
		return
	}

	r.recorder.RecordDescriptorResolution(ctx, status)
}

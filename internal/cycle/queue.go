package cycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/downloader"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
)

// Reasons an on-demand request was not queued.
const (
	RejectUnknown      = "unknown item"
	RejectNoDescriptor = "descriptor unavailable"
	RejectActive       = "already queued or downloading"
	RejectQueueFull    = "download queue full"
)

// Notifier is told about finished and failed downloads.
type Notifier interface {
	NotifyDownload(ctx context.Context, e downloader.Event) error
}

// QueueResult reports what happened to each requested id.
type QueueResult struct {
	Queued   []string          `json:"queued"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// QueueItems hands stored items to the download queue, independent of any cycle. Items
// without a current descriptor are resolved first.
func (c *Coordinator) QueueItems(ctx context.Context, ids []string) (*QueueResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	res := &QueueResult{Queued: []string{}, Rejected: map[string]string{}}

	for _, id := range ids {
		rec, err := c.deps.Store.GetItem(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			res.Rejected[id] = RejectUnknown

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to look up item %s: %w", id, err)
		}

		item := rec.Item

		d := c.descriptorFor(ctx, &item, rec.Descriptor)
		if d == nil {
			res.Rejected[id] = RejectNoDescriptor

			continue
		}

		task := downloader.Task{Item: &item, Descriptor: d, Dest: content.DestPath(c.dataDir, &item, d)}

		switch err := c.deps.Downloader.QueueDownload(task); {
		case err == nil:
			res.Queued = append(res.Queued, id)
			logger.Info("queued download", "item_id", id)
		case errors.Is(err, downloader.ErrAlreadyActive):
			res.Rejected[id] = RejectActive
		case errors.Is(err, downloader.ErrQueueFull):
			res.Rejected[id] = RejectQueueFull
		default:
			return nil, err
		}
	}

	return res, nil
}

func (c *Coordinator) descriptorFor(ctx context.Context, item *content.Item, stored *content.Descriptor) *content.Descriptor {
	if stored != nil && stored.Version == item.Version {
		return stored
	}

	resolved := c.deps.Resolver.ResolveBatch(ctx, []*content.Item{item})
	if len(resolved) == 0 {
		return nil
	}

	if err := c.deps.Store.UpsertDescriptors(ctx, resolved); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to store descriptor", "item_id", item.ID, "err", err)
	}

	return resolved[0]
}

// ProcessEvents forwards download outcomes to the notifier and republishes the library
// after downloads that finished outside a cycle. It returns when ctx is done or events
// is closed.
func (c *Coordinator) ProcessEvents(ctx context.Context, events <-chan downloader.Event, notifier Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			if notifier != nil {
				if err := notifier.NotifyDownload(ctx, e); err != nil {
					logger.Warn("failed to send notification", "item_id", e.ItemID, "err", err)
				}
			}

			if e.Kind == downloader.EventFinished && !c.Running() {
				if _, err := c.deps.Publisher.Publish(ctx); err != nil {
					logger.Error("failed to publish library", "err", err)
				}
			}
		}
	}
}

// Package events carries captionstore traffic over NATS: stored-caption
// notifications, labeling requests, and sync requests served by captiond.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectCaptionStored carries a CaptionStored for every new catalog row.
	SubjectCaptionStored = "captionstore.caption.stored"
	// SubjectLabelRequest asks a service to label a directory.
	SubjectLabelRequest = "captionstore.label.request"
	// SubjectSyncRequest asks a service to run a sync and reply with its report.
	SubjectSyncRequest = "captionstore.sync.request"
)

// CaptionStored announces a caption written to the catalog.
type CaptionStored struct {
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path"`
	Prompt      string    `json:"prompt"`
	Caption     string    `json:"caption"`
	StoredAt    time.Time `json:"stored_at"`
}

// LabelRequest asks for every image under Dir to be labeled with Prompt.
type LabelRequest struct {
	Dir    string `json:"dir"`
	Prompt string `json:"prompt"`
}

// SyncRequest asks for one sync run.
type SyncRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Bus publishes and serves captionstore subjects on one connection. A nil
// *Bus publishes nothing.
type Bus struct {
	nc  *nats.Conn
	log *slog.Logger
	now func() time.Time
}

// NewBus wraps nc.
func NewBus(nc *nats.Conn, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{nc: nc, log: log, now: time.Now}
}

// CaptionStored publishes rec on SubjectCaptionStored.
func (b *Bus) CaptionStored(ctx context.Context, rec domain.ImageRecord) error {
	if b == nil {
		return nil
	}
	return natsutil.Publish(ctx, b.nc, SubjectCaptionStored, eventOf(rec, b.now()))
}

func eventOf(rec domain.ImageRecord, at time.Time) CaptionStored {
	if !rec.CreatedAt.IsZero() {
		at = rec.CreatedAt
	}
	return CaptionStored{
		ContentHash: rec.ContentHash,
		SourcePath:  rec.SourcePath,
		Prompt:      rec.Prompt,
		Caption:     rec.Caption,
		StoredAt:    at.UTC(),
	}
}

// OnCaptionStored calls handler for every CaptionStored event.
func (b *Bus) OnCaptionStored(handler func(context.Context, CaptionStored)) (*nats.Subscription, error) {
	return natsutil.Subscribe(b.nc, SubjectCaptionStored, b.log, handler)
}

// RequestLabel publishes a LabelRequest. Labeling is asynchronous; results
// arrive as CaptionStored events.
func (b *Bus) RequestLabel(ctx context.Context, req LabelRequest) error {
	return natsutil.Publish(ctx, b.nc, SubjectLabelRequest, req)
}

// ServeLabel runs label for every LabelRequest. Requests are handled one at
// a time in arrival order.
func (b *Bus) ServeLabel(label func(context.Context, LabelRequest) error) (*nats.Subscription, error) {
	return natsutil.Subscribe(b.nc, SubjectLabelRequest, b.log, func(ctx context.Context, req LabelRequest) {
		if err := label(ctx, req); err != nil {
			b.log.Error("events: label request failed", "dir", req.Dir, "err", err)
		}
	})
}

// RequestSync asks a serving process to sync and waits for its report.
func (b *Bus) RequestSync(ctx context.Context, reason string) (reconcile.Report, error) {
	return natsutil.Request[SyncRequest, reconcile.Report](ctx, b.nc, SubjectSyncRequest, SyncRequest{Reason: reason})
}

// ServeSync answers sync requests with sync's report.
func (b *Bus) ServeSync(sync func(context.Context) (reconcile.Report, error)) (*nats.Subscription, error) {
	return natsutil.Serve(b.nc, SubjectSyncRequest, b.log, func(ctx context.Context, req SyncRequest) (reconcile.Report, error) {
		b.log.Info("events: sync requested", "reason", req.Reason)
		return sync(ctx)
	})
}

// Coalescer runs fn at most once at a time. Triggers that arrive while fn
// runs collapse into a single follow-up run.
type Coalescer struct {
	fn      func(context.Context)
	pending chan struct{}
	once    sync.Once
}

// NewCoalescer creates a Coalescer for fn.
func NewCoalescer(fn func(context.Context)) *Coalescer {
	return &Coalescer{fn: fn, pending: make(chan struct{}, 1)}
}

// Trigger schedules a run without blocking.
func (c *Coalescer) Trigger() {
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

// Run executes scheduled runs until ctx is done. It must be called once.
func (c *Coalescer) Run(ctx context.Context) {
	c.once.Do(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.pending:
				c.fn(ctx)
			}
		}
	})
}

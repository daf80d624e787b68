package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agicash/walletcore/internal/concurrency"
	"github.com/agicash/walletcore/internal/queue"
	"github.com/agicash/walletcore/internal/taskscope"
	"github.com/agicash/walletcore/pkg/logger"
	pkgqueue "github.com/agicash/walletcore/pkg/queue"
)

// Processor runs one poll loop per registered Driver plus one Redis Streams
// consumer that invalidates cache entries on change notifications (§4.7).
type Processor struct {
	drivers []Driver
	stream  *pkgqueue.StreamQueue
	group   string
	name    string

	mu           sync.Mutex
	nextEligible map[string]time.Time // "<kind>-<id>" -> earliest next poll
}

func New(stream *pkgqueue.StreamQueue, consumerGroup, consumerName string, drivers ...Driver) *Processor {
	return &Processor{
		drivers:      drivers,
		stream:       stream,
		group:        consumerGroup,
		name:         consumerName,
		nextEligible: make(map[string]time.Time),
	}
}

// Run blocks until ctx is cancelled, driving every registered Driver's poll
// loop and the change-notification consumer concurrently.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, d := range p.drivers {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollLoop(ctx, d)
		}()
	}

	if p.stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consumeChanges(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// pollLoop ticks once a second (the tightest Cadence bucket) and, on each
// tick, re-lists d's pending records and advances whichever are due.
func (p *Processor) pollLoop(ctx context.Context, d Driver) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, d)
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context, d Driver) {
	items, err := d.ListPending(ctx)
	if err != nil {
		logger.Error("processor: list pending failed", zap.String("kind", string(d.Kind())), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, item := range items {
		key := string(d.Kind()) + "-" + item.ID
		if !p.due(key, now) {
			continue
		}
		p.schedule(key, now.Add(Cadence(now.Sub(item.CreatedAt))))

		item := item
		go func() {
			err := taskscope.WithLock(ctx, string(d.Kind()), item.ID, func(ctx context.Context) error {
				return concurrency.Retry(ctx, concurrency.DefaultPolicy, func(attempt int) error {
					return d.Advance(ctx, item.ID)
				})
			})
			if err != nil && err != taskscope.ErrBusy {
				logger.Error("processor: advance failed",
					zap.String("kind", string(d.Kind())), zap.String("id", item.ID), zap.Error(err))
			}
		}()
	}
}

func (p *Processor) due(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextEligible[key]
	return !ok || !now.Before(next)
}

func (p *Processor) schedule(key string, next time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextEligible[key] = next
}

// consumeChanges drains the ChangeNotification stream and invalidates the
// affected driver's cache entry, short-circuiting that record's next poll
// (§4.7: "short-circuit polls by invalidating the in-memory cache").
func (p *Processor) consumeChanges(ctx context.Context) {
	byKind := make(map[queue.RecordKind]Driver, len(p.drivers))
	for _, d := range p.drivers {
		byKind[d.Kind()] = d
	}

	_ = p.stream.DeclareStream(ctx, queue.ChangeStream, p.group)
	_ = p.stream.Consume(ctx, queue.ChangeStream, p.group, p.name, func(messageID string, data []byte) error {
		notification, err := queue.FromJSONChangeNotification(data)
		if err != nil {
			logger.Error("processor: dropping malformed change notification", zap.Error(err))
			return nil
		}
		d, ok := byKind[notification.Kind]
		if !ok {
			return nil
		}
		if err := d.InvalidateCache(ctx, notification.RecordID); err != nil {
			logger.Error("processor: cache invalidation failed",
				zap.String("kind", string(notification.Kind)), zap.String("id", notification.RecordID), zap.Error(err))
		}

		p.mu.Lock()
		delete(p.nextEligible, string(notification.Kind)+"-"+notification.RecordID)
		p.mu.Unlock()
		return nil
	})
}

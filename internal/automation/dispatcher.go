package automation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/jkaninda/kazi/internal/automation/store"
	"github.com/jkaninda/kazi/internal/config"
)

// Dispatcher deduplicates inbound events and routes them onto a sharded
// worker pool. Events for the same record always land on the same
// shard, so per-record processing is serialized while distinct records
// proceed in parallel.
type Dispatcher struct {
	cfg       *config.AutomationConfig
	store     *store.Store
	processor *Processor
	logger    *slog.Logger

	shards []chan Event
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates the dispatcher with cfg.Workers() shards.
func NewDispatcher(cfg *config.AutomationConfig, st *store.Store, proc *Processor, logger *slog.Logger) *Dispatcher {
	n := cfg.Workers()
	shards := make([]chan Event, n)
	for i := range shards {
		shards[i] = make(chan Event, 64)
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		processor: proc,
		logger:    logger,
		shards:    shards,
	}
}

// Start launches the shard workers. They drain until Stop closes the
// shards or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go func(shard int, ch chan Event) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					d.run(ctx, shard, ev)
				}
			}
		}(i, ch)
	}
	d.logger.Info("event dispatcher started", slog.Int("workers", len(d.shards)))
}

// Stop closes the shards and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		for _, ch := range d.shards {
			close(ch)
		}
	})
	d.wg.Wait()
}

// Dispatch dedupes by event id and enqueues. Returns false when the
// event was a duplicate inside the idempotency window.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (bool, error) {
	seen, err := d.store.SeenEvent(ev.EventID, d.cfg.IdempotencyTTL())
	if err != nil {
		return false, err
	}
	if seen {
		d.logger.InfoContext(ctx, "duplicate event dropped",
			slog.String("event_id", ev.EventID),
			slog.String("record_id", ev.Locator.RecordID))
		return false, nil
	}

	shard := d.shardFor(ev)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case d.shards[shard] <- ev:
		return true, nil
	}
}

func (d *Dispatcher) run(ctx context.Context, shard int, ev Event) {
	result, err := d.processor.Process(ctx, ev)
	if err != nil {
		d.logger.ErrorContext(ctx, "event processing failed",
			slog.String("event_id", ev.EventID),
			slog.String("record_id", ev.Locator.RecordID),
			slog.Int("shard", shard),
			slog.String("result", result),
			slog.String("error", err.Error()))
		return
	}
	d.logger.DebugContext(ctx, "event processed",
		slog.String("event_id", ev.EventID),
		slog.String("record_id", ev.Locator.RecordID),
		slog.String("result", result))
}

// shardFor keys on the record identity so one record never runs on two
// shards concurrently.
func (d *Dispatcher) shardFor(ev Event) int {
	h := fnv.New32a()
	h.Write([]byte(ev.Locator.AppToken))
	h.Write([]byte{0})
	h.Write([]byte(ev.Locator.TableID))
	h.Write([]byte{0})
	h.Write([]byte(ev.Locator.RecordID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

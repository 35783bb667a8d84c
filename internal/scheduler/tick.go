package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
)

// TickLoop runs the 1 Hz due-queue dispatcher of spec §4.E. It claims due
// activities by bumping their schedule score before dispatching them, so a
// crashed or slow ActivityProcessor still gets retried within maxInterval
// rather than being orphaned — the "claim-by-rescoring" trick from spec §9.
type TickLoop struct {
	logger    *zap.Logger
	store     domain.ActivityStore
	processor *Processor

	// gate bounds the number of ActivityProcessor runs in flight across all
	// ticks; dispatch beyond this bound blocks the tick goroutine briefly but
	// never the gocron timer itself, since each tick's dispatch loop runs in
	// its own goroutine (see Start).
	gate chan struct{}
}

func NewTickLoop(logger *zap.Logger, store domain.ActivityStore, processor *Processor, maxConcurrent int) *TickLoop {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}

	return &TickLoop{
		logger:    logger,
		store:     store,
		processor: processor,
		gate:      make(chan struct{}, maxConcurrent),
	}
}

// Start schedules the 1 Hz tick on s and returns; it does not block.
func (t *TickLoop) Start(ctx context.Context, s *gocron.Scheduler) error {
	_, err := s.Every(1).Second().Do(func() {
		// Each invocation is fire-and-forget: it must never block the gocron
		// timer waiting on this cycle's processors, or a slow cycle would
		// delay every subsequent tick.
		go t.tick(ctx, time.Now())
	})
	return err
}

func (t *TickLoop) tick(ctx context.Context, now time.Time) {
	dueCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	ids, err := t.store.DueBefore(dueCtx, now)
	cancel()
	if err != nil {
		t.logger.Error("failed to list due activities", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	claimCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err = t.store.Claim(claimCtx, ids, now.Add(domain.MaxInterval))
	cancel()
	if err != nil {
		t.logger.Error("failed to claim due activities", zap.Error(err), zap.Int("count", len(ids)))
		return
	}

	for _, id := range ids {
		id := id
		select {
		case t.gate <- struct{}{}:
		case <-ctx.Done():
			return
		}

		go func() {
			defer func() { <-t.gate }()
			t.processor.ProcessOne(ctx, id, now)
		}()
	}
}

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
	"github.com/dexlive/glucagon/internal/pushgateway"
)

// WidgetRefresher is the subset of pushgateway.Gateway the widget ticker
// depends on.
type WidgetRefresher interface {
	SendWidgetRefresh(ctx context.Context, env domain.Environment, pushToken string) error
}

// WidgetTicker fans out silent widget-refresh pushes to every registered
// token on a fixed cadence, per spec §4.G.
type WidgetTicker struct {
	logger    *zap.Logger
	store     domain.ActivityStore
	refresher WidgetRefresher
}

func NewWidgetTicker(logger *zap.Logger, store domain.ActivityStore, refresher WidgetRefresher) *WidgetTicker {
	return &WidgetTicker{logger, store, refresher}
}

// MinWidgetInterval is the floor recommended by spec §4.G.
const MinWidgetInterval = 5 * time.Minute

// Start schedules the widget refresh fan-out on s at the given interval
// (clamped to MinWidgetInterval) and returns without blocking.
func (w *WidgetTicker) Start(ctx context.Context, s *gocron.Scheduler, interval time.Duration) error {
	if interval < MinWidgetInterval {
		interval = MinWidgetInterval
	}

	_, err := s.Every(interval).Do(func() {
		w.refreshAll(ctx)
	})
	return err
}

func (w *WidgetTicker) refreshAll(ctx context.Context) {
	for _, env := range []domain.Environment{domain.EnvironmentDevelopment, domain.EnvironmentProduction} {
		listCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
		tokens, err := w.store.ListWidgetTokens(listCtx, env)
		cancel()
		if err != nil {
			w.logger.Error("failed to list widget tokens", zap.Error(err), zap.String("env", string(env)))
			continue
		}

		for _, token := range tokens {
			w.refreshOne(ctx, env, token)
		}

		w.logger.Debug("refreshed widget "+english.PluralWord(len(tokens), "token", "tokens"),
			zap.Int("count", len(tokens)), zap.String("env", string(env)))
	}
}

func (w *WidgetTicker) refreshOne(ctx context.Context, env domain.Environment, token string) {
	pushCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err := w.refresher.SendWidgetRefresh(pushCtx, env, token)
	cancel()
	if err == nil {
		return
	}

	var terminal pushgateway.TerminalToken
	if errors.As(err, &terminal) {
		rmCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
		rmErr := w.store.RemoveWidgetToken(rmCtx, env, token)
		cancel()
		if rmErr != nil {
			w.logger.Error("failed to remove dead widget token", zap.Error(rmErr))
		}
		return
	}

	w.logger.Warn("widget refresh push failed", zap.Error(err), zap.String("token", domain.RedactedID(token)))
}

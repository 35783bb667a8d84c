// Package scheduler implements the Tick Loop, ActivityProcessor, and
// WidgetTicker components of the adaptive polling scheduler: the persistent,
// Redis-backed, time-ordered due-queue that is the core of this service.
//
// The processing algorithm is grounded directly in
// internal/worker/live_activities.go's Process method — fetch, decide, push,
// reschedule-or-delete — generalized from a fixed-cadence Reddit thread poll
// into the full adaptive backoff/retry/session-refresh state machine.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/alertpolicy"
	"github.com/dexlive/glucagon/internal/domain"
	"github.com/dexlive/glucagon/internal/pushgateway"
	"github.com/dexlive/glucagon/internal/upstream"
)

// Fetcher is the subset of upstream.Client the processor depends on.
type Fetcher interface {
	Fetch(ctx context.Context, creds upstream.Credentials, loc domain.AccountLocation, duration time.Duration) (upstream.FetchResult, error)
}

// Pusher is the subset of pushgateway.Gateway the processor depends on.
type Pusher interface {
	SendLiveActivityUpdate(ctx context.Context, env domain.Environment, pushToken string, current *domain.Reading, history []domain.HistoryPoint, alert *domain.AlertContent, staleDate time.Time) error
	SendLiveActivityEnd(ctx context.Context, env domain.Environment, pushToken string) error
}

// outboundTimeout bounds every store, upstream fetch, and APNs call a
// processing cycle makes. Without it a hung Redis or APNs call would occupy
// a tick loop gate slot forever.
const outboundTimeout = 15 * time.Second

// Processor drives a single activity through one processing cycle. It holds
// no per-activity state: every call is self-contained, matching spec §5's
// idempotence and restart-safety requirements.
type Processor struct {
	logger *zap.Logger
	statsd statsd.ClientInterface

	store   domain.ActivityStore
	fetcher Fetcher
	pusher  Pusher
}

func NewProcessor(logger *zap.Logger, statsdClient statsd.ClientInterface, store domain.ActivityStore, fetcher Fetcher, pusher Pusher) *Processor {
	return &Processor{logger, statsdClient, store, fetcher, pusher}
}

// ProcessOne runs one cycle of spec §4.F's processOne for id.
func (p *Processor) ProcessOne(ctx context.Context, id string, now time.Time) {
	getCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	rec, err := p.store.GetRecord(getCtx, id)
	cancel()
	if err == domain.ErrNotFound {
		unschedCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
		_ = p.store.Unschedule(unschedCtx, id)
		cancel()
		return
	}
	if err != nil {
		p.logger.Error("store error fetching activity, leaving claim in place", zap.Error(err), zap.String("activity", domain.RedactedID(id)))
		return
	}

	if rec.Expired(now) {
		p.terminate(ctx, rec, domain.EndReasonMaxDuration)
		return
	}

	creds := upstream.Credentials{
		Username:  rec.Username,
		Password:  rec.Password,
		AccountID: rec.AccountID,
		SessionID: rec.SessionID,
	}

	fetchCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	result, err := p.fetcher.Fetch(fetchCtx, creds, rec.AccountLoc, rec.Duration)
	cancel()
	if err != nil {
		// Fetch may have re-logged in before the failing call; persist
		// whatever session handle it got back so the next cycle doesn't
		// re-login all over again.
		if result.RefreshedAccountID != "" {
			rec.AccountID = result.RefreshedAccountID
		}
		if result.RefreshedSessionID != "" {
			rec.SessionID = result.RefreshedSessionID
		}
		p.handleFetchError(ctx, rec, now, err)
		return
	}

	if result.RefreshedAccountID != "" {
		rec.AccountID = result.RefreshedAccountID
	}
	if result.RefreshedSessionID != "" {
		rec.SessionID = result.RefreshedSessionID
	}

	if len(result.Readings) == 0 {
		p.handleNoReadings(ctx, rec, now)
		return
	}

	latest := result.Readings[len(result.Readings)-1]

	if rec.HasLastReading() && !latest.Date.After(rec.LastReadingDate) {
		p.handleStaleReading(ctx, rec, now)
		return
	}

	p.handleNewReading(ctx, rec, now, result.Readings, latest)
}

func (p *Processor) handleFetchError(ctx context.Context, rec *domain.ActivityRecord, now time.Time, err error) {
	switch e := err.(type) {
	case upstream.ClientHardError:
		p.terminate(ctx, rec, domain.EndReasonDexcomError)
	case upstream.DecodingError:
		p.handleDecoding(ctx, rec, now, e)
	case upstream.GenericError:
		p.handleGeneric(ctx, rec, now)
	default:
		p.handleGeneric(ctx, rec, now)
	}
}

func (p *Processor) handleNoReadings(ctx context.Context, rec *domain.ActivityRecord, now time.Time) {
	old := rec.PollInterval
	rec.PollInterval = minDuration(scaleDuration(rec.PollInterval, domain.Backoff), domain.MaxInterval)
	p.reschedule(ctx, rec, now, old, true)
	_ = p.statsd.Incr("glucagon.activity.rescheduled", []string{"reason:no_readings"}, 1)
}

func (p *Processor) handleStaleReading(ctx context.Context, rec *domain.ActivityRecord, now time.Time) {
	sinceLast := now.Sub(rec.LastReadingDate)

	if sinceLast > domain.ReadingInterval {
		old := rec.PollInterval
		rec.PollInterval = minDuration(scaleDuration(rec.PollInterval, domain.Backoff), domain.MaxInterval)
		p.reschedule(ctx, rec, now, old, false)
		_ = p.statsd.Incr("glucagon.activity.rescheduled", []string{"reason:overdue_stale"}, 1)
		return
	}

	untilNext := domain.ReadingInterval - sinceLast
	delay := maxDuration(untilNext+domain.MinInterval, domain.MinInterval)
	rec.PollInterval = domain.MinInterval
	p.reschedule(ctx, rec, now, delay, true)
	_ = p.statsd.Incr("glucagon.activity.rescheduled", []string{"reason:stale"}, 1)
}

func (p *Processor) handleNewReading(ctx context.Context, rec *domain.ActivityRecord, now time.Time, readings []domain.Reading, latest domain.Reading) {
	alert := alertpolicy.Decide(latest, rec.LastReading, rec.Preferences)
	history := buildHistory(readings)
	staleDate := latest.Date.Add(domain.ReadingInterval + domain.MinInterval)

	pushCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err := p.pusher.SendLiveActivityUpdate(pushCtx, rec.Environment, rec.PushToken, &latest, history, alert, staleDate)
	cancel()
	if err != nil {
		if _, ok := err.(pushgateway.TerminalToken); ok {
			p.terminate(ctx, rec, domain.EndReasonAPNSInvalidToken)
			return
		}
		p.logger.Warn("non-terminal push error, will retry next cycle", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	} else {
		_ = p.statsd.Incr("glucagon.activity.push_sent", nil, 1)
		if alert != nil {
			_ = p.statsd.Incr("glucagon.activity.alert_sent", []string{"title:" + alert.Title}, 1)
		}
	}

	sinceLatest := now.Sub(latest.Date)
	untilNext := domain.ReadingInterval - sinceLatest
	delay := maxDuration(untilNext+domain.MinInterval, domain.MinInterval)

	rec.PollInterval = domain.MinInterval
	rec.LastReading = &latest
	rec.LastReadingDate = latest.Date

	p.reschedule(ctx, rec, now, delay, true)
}

func (p *Processor) handleDecoding(ctx context.Context, rec *domain.ActivityRecord, now time.Time, e upstream.DecodingError) {
	if rec.PollInterval >= domain.MaxInterval && rec.RetryCount > 5 {
		p.terminate(ctx, rec, domain.EndReasonTooManyRetries)
		return
	}

	rec.PollInterval = minDuration(scaleDuration(rec.PollInterval, domain.ErrorBackoff), domain.MaxInterval)

	var delay time.Duration
	if e.RateLimited() {
		jitter := time.Duration(rand.Int63n(int64(2*domain.DecodingJitter))) - domain.DecodingJitter
		delay = domain.DecodingCooldown + jitter
	} else {
		delay = rec.PollInterval
	}

	rec.RetryCount++
	p.reschedule(ctx, rec, now, delay, false)
	_ = p.statsd.Incr("glucagon.activity.rescheduled", []string{"reason:decoding_error"}, 1)

	p.logger.Warn("upstream decoding error",
		zap.Int("status", e.StatusCode),
		zap.Int("retry_count", rec.RetryCount),
		zap.String("activity", domain.RedactedID(rec.ID)),
	)
}

func (p *Processor) handleGeneric(ctx context.Context, rec *domain.ActivityRecord, now time.Time) {
	if rec.PollInterval >= domain.MaxInterval && rec.RetryCount >= 3 {
		p.terminate(ctx, rec, domain.EndReasonTooManyRetries)
		return
	}

	rec.PollInterval = minDuration(scaleDuration(rec.PollInterval, domain.ErrorBackoff), domain.MaxInterval)
	delay := rec.PollInterval

	rec.RetryCount++
	p.reschedule(ctx, rec, now, delay, false)
	_ = p.statsd.Incr("glucagon.activity.rescheduled", []string{"reason:generic_error"}, 1)

	p.logger.Warn("upstream transport error",
		zap.Int("retry_count", rec.RetryCount),
		zap.String("activity", domain.RedactedID(rec.ID)),
	)
}

// reschedule persists rec (with pollInterval clamped per invariant 1 and
// retryCount optionally zeroed) and upserts the schedule index to
// now+delay.
func (p *Processor) reschedule(ctx context.Context, rec *domain.ActivityRecord, now time.Time, delay time.Duration, resetRetries bool) {
	rec.ClampPollInterval()
	if resetRetries {
		rec.RetryCount = 0
	}

	putCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err := p.store.PutRecord(putCtx, rec)
	cancel()
	if err != nil {
		p.logger.Error("failed to persist activity record", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
		return
	}

	schedCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err = p.store.Schedule(schedCtx, rec.ID, now.Add(delay))
	cancel()
	if err != nil {
		p.logger.Error("failed to reschedule activity", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}
}

// terminate sends a best-effort end push, deletes the record, and removes
// the schedule entry, all within this cycle, per invariant 7.
func (p *Processor) terminate(ctx context.Context, rec *domain.ActivityRecord, reason domain.EndReason) {
	endCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err := p.pusher.SendLiveActivityEnd(endCtx, rec.Environment, rec.PushToken)
	cancel()
	if err != nil {
		p.logger.Warn("best-effort end push failed", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}

	delCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err = p.store.DeleteRecord(delCtx, rec.ID)
	cancel()
	if err != nil {
		p.logger.Error("failed to delete activity record", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}

	unschedCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err = p.store.Unschedule(unschedCtx, rec.ID)
	cancel()
	if err != nil {
		p.logger.Error("failed to unschedule activity", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}

	tokenCtx, cancel := context.WithTimeout(ctx, outboundTimeout)
	err = p.store.RemoveWidgetToken(tokenCtx, rec.Environment, rec.PushToken)
	cancel()
	if err != nil {
		p.logger.Error("failed to remove widget token", zap.Error(err), zap.String("activity", domain.RedactedID(rec.ID)))
	}

	_ = p.statsd.Incr("glucagon.activity.terminated", []string{"reason:" + string(reason)}, 1)
	p.logger.Info("activity terminated", zap.String("reason", string(reason)), zap.String("activity", domain.RedactedID(rec.ID)))
}

func buildHistory(readings []domain.Reading) []domain.HistoryPoint {
	out := make([]domain.HistoryPoint, len(readings))
	for i, r := range readings {
		out[i] = domain.HistoryPoint{T: r.Date.Unix(), V: int16(r.Value)}
	}
	return out
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

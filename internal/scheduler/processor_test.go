package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
	"github.com/dexlive/glucagon/internal/pushgateway"
	"github.com/dexlive/glucagon/internal/upstream"
)

// fakeStore is a minimal in-memory domain.ActivityStore double, grounded in
// the pack's function-field mock convention (see internal/httpapi's
// fakeStore) but backed by a map since the processor exercises
// Get/Put/Schedule/Unschedule/Delete together per cycle.
type fakeStore struct {
	records           map[string]*domain.ActivityRecord
	scheduled         map[string]time.Time
	unscheduled       []string
	deleted           []string
	removedWidgetToks []string
}

func newFakeStore(rec *domain.ActivityRecord) *fakeStore {
	return &fakeStore{
		records:   map[string]*domain.ActivityRecord{rec.ID: rec},
		scheduled: map[string]time.Time{},
	}
}

func (f *fakeStore) PutRecord(ctx context.Context, rec *domain.ActivityRecord) error {
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetRecord(ctx context.Context, id string) (*domain.ActivityRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, id string) error {
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) Schedule(ctx context.Context, id string, at time.Time) error {
	f.scheduled[id] = at
	return nil
}

func (f *fakeStore) Unschedule(ctx context.Context, id string) error {
	f.unscheduled = append(f.unscheduled, id)
	delete(f.scheduled, id)
	return nil
}

func (f *fakeStore) DueBefore(ctx context.Context, now time.Time) ([]string, error) { return nil, nil }
func (f *fakeStore) Claim(ctx context.Context, ids []string, newScore time.Time) error {
	return nil
}
func (f *fakeStore) AddWidgetToken(ctx context.Context, env domain.Environment, token string) error {
	return nil
}
func (f *fakeStore) RemoveWidgetToken(ctx context.Context, env domain.Environment, token string) error {
	f.removedWidgetToks = append(f.removedWidgetToks, token)
	return nil
}
func (f *fakeStore) ListWidgetTokens(ctx context.Context, env domain.Environment) ([]string, error) {
	return nil, nil
}

// fakeFetcher returns canned results/errors, one per call in order, or
// repeats the last entry once exhausted.
type fakeFetcher struct {
	results []upstream.FetchResult
	errs    []error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, creds upstream.Credentials, loc domain.AccountLocation, duration time.Duration) (upstream.FetchResult, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++

	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.results[i], err
}

type fakePusher struct {
	updateErr error
	endCalled bool
	updates   int
}

func (f *fakePusher) SendLiveActivityUpdate(ctx context.Context, env domain.Environment, pushToken string, current *domain.Reading, history []domain.HistoryPoint, alert *domain.AlertContent, staleDate time.Time) error {
	f.updates++
	return f.updateErr
}

func (f *fakePusher) SendLiveActivityEnd(ctx context.Context, env domain.Environment, pushToken string) error {
	f.endCalled = true
	return nil
}

func baseRecord() *domain.ActivityRecord {
	return &domain.ActivityRecord{
		ID:           "activity-1",
		PushToken:    "token",
		Environment:  domain.EnvironmentDevelopment,
		AccountLoc:   domain.AccountLocationUS,
		Duration:     time.Hour,
		StartDate:    time.Unix(1000, 0),
		PollInterval: domain.MinInterval,
	}
}

func newProcessor(store domain.ActivityStore, fetcher Fetcher, pusher Pusher) *Processor {
	return NewProcessor(zap.NewNop(), &statsd.NoOpClient{}, store, fetcher, pusher)
}

func TestProcessOneDeletesScheduleWhenRecordMissing(t *testing.T) {
	store := newFakeStore(baseRecord())
	delete(store.records, "activity-1")

	p := newProcessor(store, &fakeFetcher{}, &fakePusher{})
	p.ProcessOne(context.Background(), "activity-1", time.Unix(2000, 0))

	assert.Equal(t, []string{"activity-1"}, store.unscheduled)
}

func TestProcessOneTerminatesOnExpiry(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	pusher := &fakePusher{}

	now := rec.StartDate.Add(domain.MaximumDuration + time.Second)
	p := newProcessor(store, &fakeFetcher{}, pusher)
	p.ProcessOne(context.Background(), rec.ID, now)

	assert.True(t, pusher.endCalled)
	_, exists := store.records[rec.ID]
	assert.False(t, exists)
	assert.Contains(t, store.removedWidgetToks, rec.PushToken)
}

func TestProcessOneNewReadingAdvancesState(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	pusher := &fakePusher{}

	readingTime := time.Unix(2000, 0)
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{
			Readings: []domain.Reading{{Date: readingTime, Value: 120, Trend: domain.TrendFlat}},
		}},
	}

	p := newProcessor(store, fetcher, pusher)
	p.ProcessOne(context.Background(), rec.ID, readingTime)

	require.Equal(t, 1, pusher.updates)
	assert.Equal(t, domain.MinInterval, rec.PollInterval)
	assert.Equal(t, readingTime, rec.LastReadingDate)
	assert.Contains(t, store.scheduled, rec.ID)
}

func TestProcessOneNoReadingsBacksOff(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	fetcher := &fakeFetcher{results: []upstream.FetchResult{{Readings: nil}}}

	p := newProcessor(store, fetcher, &fakePusher{})
	p.ProcessOne(context.Background(), rec.ID, time.Unix(2000, 0))

	assert.Greater(t, rec.PollInterval, domain.MinInterval)
	assert.LessOrEqual(t, rec.PollInterval, domain.MaxInterval)
}

func TestProcessOneClientHardErrorTerminates(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	pusher := &fakePusher{}
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{}},
		errs:    []error{upstream.ClientHardError{Reason: "invalid credentials"}},
	}

	p := newProcessor(store, fetcher, pusher)
	p.ProcessOne(context.Background(), rec.ID, time.Unix(2000, 0))

	assert.True(t, pusher.endCalled)
	_, exists := store.records[rec.ID]
	assert.False(t, exists)
}

func TestProcessOneTerminalPushTokenTerminates(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	pusher := &fakePusher{updateErr: pushgateway.TerminalToken{Reason: "BadDeviceToken"}}

	readingTime := time.Unix(2000, 0)
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{
			Readings: []domain.Reading{{Date: readingTime, Value: 120, Trend: domain.TrendFlat}},
		}},
	}

	p := newProcessor(store, fetcher, pusher)
	p.ProcessOne(context.Background(), rec.ID, readingTime)

	_, exists := store.records[rec.ID]
	assert.False(t, exists)
}

func TestProcessOneDecodingErrorPersistsRefreshedSession(t *testing.T) {
	rec := baseRecord()
	rec.SessionID = "stale-session"
	store := newFakeStore(rec)
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{RefreshedAccountID: "acct-2", RefreshedSessionID: "fresh-session"}},
		errs:    []error{upstream.DecodingError{StatusCode: 500}},
	}

	p := newProcessor(store, fetcher, &fakePusher{})
	p.ProcessOne(context.Background(), rec.ID, time.Unix(2000, 0))

	assert.Equal(t, "acct-2", rec.AccountID)
	assert.Equal(t, "fresh-session", rec.SessionID)
	assert.Equal(t, rec, store.records[rec.ID])
}

func TestProcessOneDecodingErrorRateLimitedUsesCooldown(t *testing.T) {
	rec := baseRecord()
	store := newFakeStore(rec)
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{}},
		errs:    []error{upstream.DecodingError{StatusCode: 429}},
	}

	p := newProcessor(store, fetcher, &fakePusher{})
	now := time.Unix(2000, 0)
	p.ProcessOne(context.Background(), rec.ID, now)

	at, ok := store.scheduled[rec.ID]
	require.True(t, ok)
	delay := at.Sub(now)
	assert.GreaterOrEqual(t, delay, domain.DecodingCooldown-domain.DecodingJitter)
	assert.LessOrEqual(t, delay, domain.DecodingCooldown+domain.DecodingJitter)
}

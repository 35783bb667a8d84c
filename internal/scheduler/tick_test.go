package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
	"github.com/dexlive/glucagon/internal/upstream"
)

// tickStore layers DueBefore/Claim bookkeeping onto fakeStore so TickLoop's
// dispatch path can be exercised without a real Redis sorted set.
type tickStore struct {
	*fakeStore
	mu       sync.Mutex
	due      []string
	claimed  []string
	claimErr error
}

func (t *tickStore) DueBefore(ctx context.Context, now time.Time) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.due, nil
}

func (t *tickStore) Claim(ctx context.Context, ids []string, newScore time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.claimErr != nil {
		return t.claimErr
	}
	t.claimed = append(t.claimed, ids...)
	return nil
}

func TestTickDispatchesDueActivities(t *testing.T) {
	rec := baseRecord()
	store := &tickStore{fakeStore: newFakeStore(rec), due: []string{rec.ID}}

	readingTime := time.Unix(5000, 0)
	fetcher := &fakeFetcher{
		results: []upstream.FetchResult{{
			Readings: []domain.Reading{{Date: readingTime, Value: 110, Trend: domain.TrendFlat}},
		}},
	}
	pusher := &fakePusher{}
	processor := NewProcessor(zap.NewNop(), &statsd.NoOpClient{}, store, fetcher, pusher)

	loop := NewTickLoop(zap.NewNop(), store, processor, 4)

	loop.tick(context.Background(), readingTime)

	// Claim happens synchronously inside tick; dispatch to the processor is
	// fire-and-forget, so wait for it to actually run.
	assert.Contains(t, store.claimed, rec.ID)
	require.Eventually(t, func() bool {
		return pusher.updates == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTickSkipsWhenNothingDue(t *testing.T) {
	rec := baseRecord()
	store := &tickStore{fakeStore: newFakeStore(rec), due: nil}
	processor := NewProcessor(zap.NewNop(), &statsd.NoOpClient{}, store, &fakeFetcher{}, &fakePusher{})

	loop := NewTickLoop(zap.NewNop(), store, processor, 4)
	loop.tick(context.Background(), time.Unix(5000, 0))

	assert.Empty(t, store.claimed)
}

func TestTickStopsClaimingOnStoreError(t *testing.T) {
	rec := baseRecord()
	store := &tickStore{fakeStore: newFakeStore(rec), due: []string{rec.ID}, claimErr: assert.AnError}
	processor := NewProcessor(zap.NewNop(), &statsd.NoOpClient{}, store, &fakeFetcher{}, &fakePusher{})

	loop := NewTickLoop(zap.NewNop(), store, processor, 4)
	loop.tick(context.Background(), time.Unix(5000, 0))

	// Claim failed, so the activity must never reach the processor this
	// cycle — GetRecord should not have been touched beyond setup.
	_, exists := store.records[rec.ID]
	assert.True(t, exists)
}

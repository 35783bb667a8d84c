// Package statestore is the typed Redis wrapper behind domain.ActivityStore:
// activity records, the schedule index, and the widget token sets.
//
// Grounded in internal/distributedlock and internal/reddit's direct use of
// github.com/go-redis/redis/v8 for single-key atomic operations; unlike the
// teacher's scheduler Lua dedup script (which exists to make a multi-key
// check-and-lock atomic), every operation here is already a single Redis
// command, so no scripting is required.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/dexlive/glucagon/internal/domain"
)

const scheduleKey = "live-activities:schedule"

func recordKey(id string) string {
	return fmt.Sprintf("live-activity:data:%s", id)
}

func widgetKey(env domain.Environment) string {
	return fmt.Sprintf("widget-tokens:%s", env)
}

// Store implements domain.ActivityStore over a Redis client.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) PutRecord(ctx context.Context, rec *domain.ActivityRecord) error {
	bb, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.client.HSet(ctx, recordKey(rec.ID), "data", bb).Err()
}

func (s *Store) GetRecord(ctx context.Context, id string) (*domain.ActivityRecord, error) {
	bb, err := s.client.HGet(ctx, recordKey(id), "data").Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec := &domain.ActivityRecord{}
	if err := json.Unmarshal(bb, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	return s.client.Del(ctx, recordKey(id)).Err()
}

func (s *Store) Schedule(ctx context.Context, id string, at time.Time) error {
	return s.client.ZAdd(ctx, scheduleKey, &redis.Z{
		Score:  float64(at.Unix()),
		Member: id,
	}).Err()
}

func (s *Store) Unschedule(ctx context.Context, id string) error {
	return s.client.ZRem(ctx, scheduleKey, id).Err()
}

func (s *Store) DueBefore(ctx context.Context, now time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
}

// Claim bulk-rescores ids to newScore, reserving them so a slower
// ActivityProcessor does not cause the next tick to repick the same id. A
// plain ZADD would re-add a member that no longer exists in the set,
// resurrecting a schedule entry for an id whose record is already gone, so
// claim uses ZADD with the XX flag: only members already present are
// touched, and missing ones are silently skipped.
func (s *Store) Claim(ctx context.Context, ids []string, newScore time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	members := make([]*redis.Z, len(ids))
	for i, id := range ids {
		members[i] = &redis.Z{Score: float64(newScore.Unix()), Member: id}
	}

	return s.client.ZAddArgs(ctx, scheduleKey, redis.ZAddArgs{
		XX:      true,
		Members: toZMembers(members),
	}).Err()
}

func toZMembers(zs []*redis.Z) []redis.Z {
	out := make([]redis.Z, len(zs))
	for i, z := range zs {
		out[i] = *z
	}
	return out
}

func (s *Store) AddWidgetToken(ctx context.Context, env domain.Environment, token string) error {
	return s.client.SAdd(ctx, widgetKey(env), token).Err()
}

func (s *Store) RemoveWidgetToken(ctx context.Context, env domain.Environment, token string) error {
	return s.client.SRem(ctx, widgetKey(env), token).Err()
}

func (s *Store) ListWidgetTokens(ctx context.Context, env domain.Environment) ([]string, error) {
	return s.client.SMembers(ctx, widgetKey(env)).Result()
}

var _ domain.ActivityStore = (*Store)(nil)

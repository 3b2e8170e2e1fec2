package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/redis/go-redis/v9"
)

// takeScript reads and deletes a key in one step.
const takeScript = `
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
end
return v
`

// claimScript is SETNX + PEXPIRE; returns 1 when the key was newly set.
const claimScript = `
local ok = redis.call('SETNX', KEYS[1], ARGV[1])
if ok == 1 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return ok
`

// RedisChallengeStore keeps challenges and nullifiers in Redis so every API
// instance sees the same single-use state.
type RedisChallengeStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisChallengeStore creates a store under the given key prefix ("rba:mfa" when empty).
func NewRedisChallengeStore(rdb redis.UniversalClient, prefix string) *RedisChallengeStore {
	if prefix == "" {
		prefix = "rba:mfa"
	}
	return &RedisChallengeStore{rdb: rdb, prefix: prefix}
}

func (s *RedisChallengeStore) challengeKey(nonce string) string {
	return fmt.Sprintf("%s:challenge:%s", s.prefix, nonce)
}

func (s *RedisChallengeStore) nullifierKey(n string) string {
	return fmt.Sprintf("%s:nullifier:%s", s.prefix, n)
}

func (s *RedisChallengeStore) Save(ctx context.Context, ch *domain.MFAChallenge, ttl time.Duration) error {
	body, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if err := s.rdb.Set(ctx, s.challengeKey(ch.Nonce), body, ttl).Err(); err != nil {
		return fmt.Errorf("save challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Take(ctx context.Context, nonce string) (*domain.MFAChallenge, error) {
	res, err := s.rdb.Eval(ctx, takeScript, []string{s.challengeKey(nonce)}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take challenge: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected lua result: %#v", res)
	}
	var ch domain.MFAChallenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &ch, nil
}

func (s *RedisChallengeStore) ClaimNullifier(ctx context.Context, nullifier string, ttl time.Duration) (bool, error) {
	res, err := s.rdb.Eval(ctx, claimScript, []string{s.nullifierKey(nullifier)}, 1, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, fmt.Errorf("claim nullifier: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected lua result: %#v", res)
	}
	return n == 1, nil
}

//go:build integration

package integration

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/mfa"
	"github.com/adaptiveauth/rba/internal/repository"
	"github.com/adaptiveauth/rba/test/integration/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProtocol(t *testing.T, challenges mfa.ChallengeStore) *mfa.Protocol {
	t.Helper()
	env := testutil.NewTestEnv(t, nil, nil)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := mfa.NewPostgresSecretStore(env.Pool, repository.NewMFASecretRepository(), repository.NewOutboxRepository())
	return mfa.NewProtocol(store, challenges, mfa.DefaultConfig(), logger)
}

func TestPostgresSecretStore_ConcurrentFailuresLockOnce(t *testing.T) {
	p := newProtocol(t, mfa.NewMemoryChallengeStore())
	ctx := context.Background()
	userID := uuid.NewString()

	rec, err := p.Register(ctx, userID, domain.FactorPIN, "4821")
	require.NoError(t, err)

	const workers = 12
	var wg sync.WaitGroup
	results := make([]domain.VerifyResult, workers)
	for i := 0; i < workers; i++ {
		ch, err := p.IssueChallenge(ctx, []domain.FactorType{domain.FactorPIN})
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, nonce string) {
			defer wg.Done()
			proof := mfa.Prove(domain.FactorPIN, "0000", rec.Salt, nonce, time.Now())
			res, err := p.Verify(ctx, userID, proof, nonce)
			assert.NoError(t, err)
			results[i] = res
		}(i, ch.Nonce)
	}
	wg.Wait()

	var invalid, locked int
	for _, r := range results {
		switch r.Reason {
		case domain.ReasonProofInvalid:
			invalid++
		case domain.ReasonLocked:
			locked++
		}
	}
	assert.Equal(t, 5, invalid)
	assert.Equal(t, workers-5, locked)

	var failed int
	var lockedUntil *time.Time
	require.NoError(t, testutil.SharedPool(t).QueryRow(ctx,
		"SELECT failed_attempts, locked_until FROM mfa_secrets WHERE user_id = $1 AND is_active",
		userID).Scan(&failed, &lockedUntil))
	assert.Equal(t, 5, failed)
	assert.NotNil(t, lockedUntil)
}

func TestPostgresSecretStore_ReRegisterDeactivatesPrevious(t *testing.T) {
	p := newProtocol(t, mfa.NewMemoryChallengeStore())
	ctx := context.Background()
	userID := uuid.NewString()

	_, err := p.Register(ctx, userID, domain.FactorPIN, "1111")
	require.NoError(t, err)
	second, err := p.Register(ctx, userID, domain.FactorPIN, "2222")
	require.NoError(t, err)

	factors, err := p.Factors(ctx, userID)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, second.ID, factors[0].ID)
}

func TestRedisChallengeStore_SingleUse(t *testing.T) {
	rdb := testutil.NewRedis(t)
	store := mfa.NewRedisChallengeStore(rdb, "rba:test")
	p := newProtocol(t, store)
	ctx := context.Background()
	userID := uuid.NewString()

	rec, err := p.Register(ctx, userID, domain.FactorBiometric, "template-hash")
	require.NoError(t, err)
	ch, err := p.IssueChallenge(ctx, []domain.FactorType{domain.FactorBiometric})
	require.NoError(t, err)

	proof := mfa.Prove(domain.FactorBiometric, "template-hash", rec.Salt, ch.Nonce, time.Now())
	res, err := p.VerifyFactors(ctx, userID, []domain.Proof{proof}, ch.Nonce, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// Challenge gone: the replay has nothing to verify against.
	taken, err := store.Take(ctx, ch.Nonce)
	require.NoError(t, err)
	assert.Nil(t, taken)

	fresh, err := store.ClaimNullifier(ctx, proof.Nullifier, time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	ttl, err := rdb.PTTL(ctx, "rba:test:nullifier:"+proof.Nullifier).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

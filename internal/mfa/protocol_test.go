package mfa

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	proto      *Protocol
	secrets    *MemorySecretStore
	challenges *MemoryChallengeStore
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		secrets:    NewMemorySecretStore(),
		challenges: NewMemoryChallengeStore(),
		now:        time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.challenges.now = clock
	f.proto = NewProtocol(f.secrets, f.challenges, DefaultConfig(), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	f.proto.now = clock
	f.proto.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return f
}

func (f *fixture) register(t *testing.T, userID string, ft domain.FactorType, secret string) *domain.MFASecretRecord {
	t.Helper()
	rec, err := f.proto.Register(context.Background(), userID, ft, secret)
	require.NoError(t, err)
	return rec
}

func (f *fixture) record(t *testing.T, userID string, ft domain.FactorType) domain.MFASecretRecord {
	t.Helper()
	recs, err := f.secrets.ListActive(context.Background(), userID)
	require.NoError(t, err)
	for _, r := range recs {
		if r.FactorType == ft {
			return r
		}
	}
	t.Fatalf("no active %s factor for %s", ft, userID)
	return domain.MFASecretRecord{}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.register(t, "user-1", domain.FactorPIN, "4821")
	assert.True(t, first.IsActive)
	assert.NotEqual(t, "4821", first.Commitment)
	assert.Equal(t, Commit("4821", first.Salt), first.Commitment)

	second := f.register(t, "user-1", domain.FactorPIN, "9999")
	recs, err := f.proto.Factors(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, recs, 1, "at most one active record per factor")
	assert.Equal(t, second.ID, recs[0].ID)
	assert.Equal(t, 1, f.secrets.Inactive())

	_, err = f.proto.Register(ctx, "user-1", domain.FactorType("sms"), "123456")
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestIssueChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := f.proto.IssueChallenge(ctx, []domain.FactorType{domain.FactorVoice, domain.FactorPIN, domain.FactorPIN})
	require.NoError(t, err)
	assert.Equal(t, []domain.FactorType{domain.FactorPIN, domain.FactorVoice}, ch.RequiredFactors)
	assert.Equal(t, 5*time.Minute, ch.ExpiresAt.Sub(ch.IssuedAt))
	assert.NotEmpty(t, ch.Nonce)
	assert.NotEqual(t, [16]byte{}, [16]byte(ch.ID))

	other, err := f.proto.IssueChallenge(ctx, []domain.FactorType{domain.FactorPIN})
	require.NoError(t, err)
	assert.NotEqual(t, ch.Nonce, other.Nonce)

	_, err = f.proto.IssueChallenge(ctx, nil)
	assert.Error(t, err)
	_, err = f.proto.IssueChallenge(ctx, []domain.FactorType{"retina"})
	assert.Error(t, err)
}

func TestVerify_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	bad := Prove(domain.FactorPIN, "0000", rec.Salt, "nonce-1", f.now)
	res, err := f.proto.Verify(ctx, "user-1", bad, "nonce-1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	assert.Equal(t, 1, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)

	good := Prove(domain.FactorPIN, "4821", rec.Salt, "nonce-2", f.now.Add(-30*time.Second))
	res, err = f.proto.Verify(ctx, "user-1", good, "nonce-2")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Reason)

	stored := f.record(t, "user-1", domain.FactorPIN)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
	require.NotNil(t, stored.LastUsed)
	assert.Equal(t, f.now, *stored.LastUsed)
}

func TestVerify_Gates(t *testing.T) {
	tests := []struct {
		name         string
		proof        func(salt string, now time.Time) domain.Proof
		wantReason   string
		wantFailures int
	}{
		{
			name: "challenge mismatch counts",
			proof: func(salt string, now time.Time) domain.Proof {
				return Prove(domain.FactorPIN, "4821", salt, "guessed-nonce", now)
			},
			wantReason:   domain.ReasonChallengeMismatch,
			wantFailures: 1,
		},
		{
			name: "stale proof does not count",
			proof: func(salt string, now time.Time) domain.Proof {
				return Prove(domain.FactorPIN, "4821", salt, "nonce", now.Add(-3*time.Minute))
			},
			wantReason:   domain.ReasonExpired,
			wantFailures: 0,
		},
		{
			name: "future-dated proof does not count",
			proof: func(salt string, now time.Time) domain.Proof {
				return Prove(domain.FactorPIN, "4821", salt, "nonce", now.Add(3*time.Minute))
			},
			wantReason:   domain.ReasonExpired,
			wantFailures: 0,
		},
		{
			name: "wrong secret counts",
			proof: func(salt string, now time.Time) domain.Proof {
				return Prove(domain.FactorPIN, "1111", salt, "nonce", now)
			},
			wantReason:   domain.ReasonProofInvalid,
			wantFailures: 1,
		},
		{
			name: "unparseable timestamp counts",
			proof: func(salt string, now time.Time) domain.Proof {
				p := Prove(domain.FactorPIN, "4821", salt, "nonce", now)
				p.PublicSignals[2] = "soon"
				return p
			},
			wantReason:   domain.ReasonProofInvalid,
			wantFailures: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.register(t, "user-1", domain.FactorPIN, "4821")

			res, err := f.proto.Verify(context.Background(), "user-1", tt.proof(rec.Salt, f.now), "nonce")
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantFailures, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)
		})
	}
}

func TestVerify_NotFound(t *testing.T) {
	f := newFixture(t)
	f.register(t, "user-1", domain.FactorPIN, "4821")

	proof := Prove(domain.FactorVoice, "anything", "salt", "nonce", f.now)
	res, err := f.proto.Verify(context.Background(), "user-1", proof, "nonce")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotFound, res.Reason)
}

func TestVerify_LockoutStateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	var locks []domain.FactorLockEvent
	f.proto.OnLock(func(_ context.Context, ev domain.FactorLockEvent) { locks = append(locks, ev) })

	for i := 1; i <= 4; i++ {
		res, err := f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "0000", rec.Salt, "n", f.now), "n")
		require.NoError(t, err)
		assert.Nil(t, res.LockedUntil, "attempt %d", i)
	}
	res, err := f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "0000", rec.Salt, "n", f.now), "n")
	require.NoError(t, err)
	require.NotNil(t, res.LockedUntil)
	assert.Equal(t, f.now.Add(30*time.Minute), *res.LockedUntil)
	require.Len(t, locks, 1)
	assert.Equal(t, 5, locks[0].FailedAttempts)

	// Locked: even a correct proof is refused and nothing is counted.
	res, err = f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "4821", rec.Salt, "n2", f.now), "n2")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonLocked, res.Reason)
	assert.Equal(t, 5, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)

	// Auto-unlock once the lock elapses; success resets the counter.
	f.now = f.now.Add(30 * time.Minute)
	res, err = f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "4821", rec.Salt, "n3", f.now), "n3")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	stored := f.record(t, "user-1", domain.FactorPIN)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
	assert.Len(t, locks, 1)
}

func TestVerify_CounterSurvivesLockExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	for i := 0; i < 5; i++ {
		_, err := f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "0000", rec.Salt, "n", f.now), "n")
		require.NoError(t, err)
	}
	f.now = f.now.Add(31 * time.Minute)

	res, err := f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "0000", rec.Salt, "n", f.now), "n")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonProofInvalid, res.Reason)
	assert.NotNil(t, res.LockedUntil, "counter was not reset by the lock, so one more failure re-locks")
	assert.Equal(t, 6, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)
}

func TestVerify_ConcurrentInvalidProofsLockOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	var lockEvents atomic.Int32
	f.proto.OnLock(func(context.Context, domain.FactorLockEvent) { lockEvents.Add(1) })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reasons = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.proto.Verify(ctx, "user-1", Prove(domain.FactorPIN, "0000", rec.Salt, "n", f.now), "n")
			assert.NoError(t, err)
			mu.Lock()
			reasons[res.Reason]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lockEvents.Load(), "exactly one lock transition")
	assert.Equal(t, 5, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)
	assert.Equal(t, 5, reasons[domain.ReasonProofInvalid])
	assert.Equal(t, 15, reasons[domain.ReasonLocked])
}

func TestVerify_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	proof := Prove(domain.FactorPIN, "4821", rec.Salt, "n", f.now)
	res, err := f.proto.Verify(ctx, "user-1", proof, "n")
	require.NoError(t, err)
	require.True(t, res.Valid)

	res, err = f.proto.Verify(ctx, "user-1", proof, "n")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ReasonAlreadyConsumed, res.Reason)
	assert.Equal(t, 0, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)
}

func TestVerify_ConcurrentReplayOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")
	proof := Prove(domain.FactorPIN, "4821", rec.Salt, "n", f.now)

	var (
		wg    sync.WaitGroup
		valid atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.proto.Verify(ctx, "user-1", proof, "n")
			assert.NoError(t, err)
			if res.Valid {
				valid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), valid.Load())
}

// conflictStore fails the first n updates with a concurrency conflict.
type conflictStore struct {
	SecretStore
	remaining int
	calls     int
}

func (s *conflictStore) Update(ctx context.Context, userID string, ft domain.FactorType, fn func(rec *domain.MFASecretRecord) (bool, error)) error {
	s.calls++
	if s.remaining != 0 {
		s.remaining--
		return domain.ErrConcurrencyConflict
	}
	return s.SecretStore.Update(ctx, userID, ft, fn)
}

// racingRegisterStore fails the first n registrations as a lost enrollment race.
type racingRegisterStore struct {
	SecretStore
	remaining int
	calls     int
}

func (s *racingRegisterStore) Register(ctx context.Context, rec *domain.MFASecretRecord) error {
	s.calls++
	if s.remaining != 0 {
		s.remaining--
		return domain.ErrConcurrencyConflict
	}
	return s.SecretStore.Register(ctx, rec)
}

func TestRegister_RetriesLostEnrollmentRace(t *testing.T) {
	f := newFixture(t)
	store := &racingRegisterStore{SecretStore: f.secrets, remaining: 1}
	f.proto.secrets = store

	rec, err := f.proto.Register(context.Background(), "user-1", domain.FactorPIN, "4821")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, rec.ID, f.record(t, "user-1", domain.FactorPIN).ID)
}

func TestRegister_EnrollmentRaceExhausted(t *testing.T) {
	f := newFixture(t)
	store := &racingRegisterStore{SecretStore: f.secrets, remaining: -1}
	f.proto.secrets = store

	_, err := f.proto.Register(context.Background(), "user-1", domain.FactorPIN, "4821")
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONCURRENCY_CONFLICT", appErr.Code)
	assert.Equal(t, DefaultConfig().MaxAttempts, store.calls)
}

func TestVerify_RetriesConcurrencyConflicts(t *testing.T) {
	f := newFixture(t)
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	store := &conflictStore{SecretStore: f.secrets, remaining: 2}
	f.proto.secrets = store

	res, err := f.proto.Verify(context.Background(), "user-1", Prove(domain.FactorPIN, "4821", rec.Salt, "n", f.now), "n")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, store.calls)
}

func TestVerify_RetryExhausted(t *testing.T) {
	f := newFixture(t)
	rec := f.register(t, "user-1", domain.FactorPIN, "4821")

	store := &conflictStore{SecretStore: f.secrets, remaining: -1}
	f.proto.secrets = store

	_, err := f.proto.Verify(context.Background(), "user-1", Prove(domain.FactorPIN, "4821", rec.Salt, "n", f.now), "n")
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONCURRENCY_CONFLICT", appErr.Code)
	assert.True(t, errors.Is(err, domain.ErrConcurrencyConflict))
	assert.Equal(t, DefaultConfig().MaxAttempts, store.calls)
}

func TestVerifyFactors(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, map[domain.FactorType]*domain.MFASecretRecord, *domain.MFAChallenge) {
		f := newFixture(t)
		recs := map[domain.FactorType]*domain.MFASecretRecord{
			domain.FactorPIN:     f.register(t, "user-1", domain.FactorPIN, "4821"),
			domain.FactorPattern: f.register(t, "user-1", domain.FactorPattern, "L-shape-7"),
		}
		ch, err := f.proto.IssueChallenge(ctx, []domain.FactorType{domain.FactorPIN, domain.FactorPattern})
		require.NoError(t, err)
		return f, recs, ch
	}

	t.Run("all factors verify", func(t *testing.T) {
		f, recs, ch := setup(t)
		proofs := []domain.Proof{
			Prove(domain.FactorPIN, "4821", recs[domain.FactorPIN].Salt, ch.Nonce, f.now),
			Prove(domain.FactorPattern, "L-shape-7", recs[domain.FactorPattern].Salt, ch.Nonce, f.now),
		}
		res, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, nil)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, []domain.FactorType{domain.FactorPIN, domain.FactorPattern}, res.VerifiedFactors)
		assert.Empty(t, res.MissingFactors)

		again, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, nil)
		require.NoError(t, err)
		assert.False(t, again.Valid, "challenge is single-use")
		assert.Equal(t, domain.ReasonChallengeMismatch, again.Failures[0].Reason)
	})

	t.Run("missing factor means no partial credit", func(t *testing.T) {
		f, recs, ch := setup(t)
		proofs := []domain.Proof{
			Prove(domain.FactorPIN, "4821", recs[domain.FactorPIN].Salt, ch.Nonce, f.now),
		}
		res, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, nil)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, []domain.FactorType{domain.FactorPIN}, res.VerifiedFactors)
		assert.Equal(t, []domain.FactorType{domain.FactorPattern}, res.MissingFactors)
		assert.Equal(t, []domain.FactorFailure{{FactorType: domain.FactorPattern, Reason: domain.ReasonMissing}}, res.Failures)
	})

	t.Run("invalid factor reported with reason", func(t *testing.T) {
		f, recs, ch := setup(t)
		proofs := []domain.Proof{
			Prove(domain.FactorPIN, "0000", recs[domain.FactorPIN].Salt, ch.Nonce, f.now),
			Prove(domain.FactorPattern, "L-shape-7", recs[domain.FactorPattern].Salt, ch.Nonce, f.now),
		}
		res, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, nil)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, []domain.FactorType{domain.FactorPIN}, res.MissingFactors)
		assert.Equal(t, domain.ReasonProofInvalid, res.Failures[0].Reason)
	})

	t.Run("caller adds required factor", func(t *testing.T) {
		f, recs, ch := setup(t)
		proofs := []domain.Proof{
			Prove(domain.FactorPIN, "4821", recs[domain.FactorPIN].Salt, ch.Nonce, f.now),
			Prove(domain.FactorPattern, "L-shape-7", recs[domain.FactorPattern].Salt, ch.Nonce, f.now),
		}
		res, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, []domain.FactorType{domain.FactorVoice})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, []domain.FactorType{domain.FactorVoice}, res.MissingFactors)
	})

	t.Run("expired challenge changes no counters", func(t *testing.T) {
		f, recs, ch := setup(t)
		f.now = f.now.Add(5 * time.Minute)
		proofs := []domain.Proof{
			Prove(domain.FactorPIN, "0000", recs[domain.FactorPIN].Salt, ch.Nonce, f.now),
		}
		res, err := f.proto.VerifyFactors(ctx, "user-1", proofs, ch.Nonce, []domain.FactorType{domain.FactorPIN})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, 0, f.record(t, "user-1", domain.FactorPIN).FailedAttempts)
	})

	t.Run("unknown nonce", func(t *testing.T) {
		f, _, _ := setup(t)
		res, err := f.proto.VerifyFactors(ctx, "user-1", nil, "made-up", []domain.FactorType{domain.FactorPIN})
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, domain.ReasonChallengeMismatch, res.Failures[0].Reason)
	})
}

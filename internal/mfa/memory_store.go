package mfa

import (
	"context"
	"sync"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/adaptiveauth/rba/internal/syncutil"
)

// MemorySecretStore is an in-process SecretStore. Updates are serialized per
// (user, factor) key, so it is only correct for a single instance.
type MemorySecretStore struct {
	keys syncutil.KeyLock

	mu       sync.RWMutex
	active   map[string]*domain.MFASecretRecord
	inactive []domain.MFASecretRecord
}

// NewMemorySecretStore creates an empty store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{active: make(map[string]*domain.MFASecretRecord)}
}

func secretKey(userID string, ft domain.FactorType) string {
	return userID + ":" + string(ft)
}

func (s *MemorySecretStore) Register(_ context.Context, rec *domain.MFASecretRecord) error {
	key := secretKey(rec.UserID, rec.FactorType)
	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.active[key]; ok {
		prev.IsActive = false
		s.inactive = append(s.inactive, *prev)
	}
	cp := *rec
	cp.IsActive = true
	s.active[key] = &cp
	return nil
}

func (s *MemorySecretStore) ListActive(_ context.Context, userID string) ([]domain.MFASecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.MFASecretRecord
	for _, ft := range domain.AllFactorTypes {
		if rec, ok := s.active[secretKey(userID, ft)]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *MemorySecretStore) Update(_ context.Context, userID string, ft domain.FactorType, fn func(rec *domain.MFASecretRecord) (bool, error)) error {
	key := secretKey(userID, ft)
	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.RLock()
	stored, ok := s.active[key]
	var rec *domain.MFASecretRecord
	if ok {
		cp := *stored
		rec = &cp
	}
	s.mu.RUnlock()

	persist, err := fn(rec)
	if err != nil || !persist || rec == nil {
		return err
	}

	s.mu.Lock()
	s.active[key] = rec
	s.mu.Unlock()
	return nil
}

// Inactive returns the number of deactivated records kept for history.
func (s *MemorySecretStore) Inactive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inactive)
}

// MemoryChallengeStore is an in-process ChallengeStore.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]memoryEntry[domain.MFAChallenge]
	nullifiers map[string]time.Time
	now        func() time.Time
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewMemoryChallengeStore creates an empty store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]memoryEntry[domain.MFAChallenge]),
		nullifiers: make(map[string]time.Time),
		now:        time.Now,
	}
}

func (s *MemoryChallengeStore) Save(_ context.Context, ch *domain.MFAChallenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.Nonce] = memoryEntry[domain.MFAChallenge]{value: *ch, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryChallengeStore) Take(_ context.Context, nonce string) (*domain.MFAChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.challenges[nonce]
	if !ok {
		return nil, nil
	}
	delete(s.challenges, nonce)
	if !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	ch := e.value
	return &ch, nil
}

func (s *MemoryChallengeStore) ClaimNullifier(_ context.Context, nullifier string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.nullifiers[nullifier]; ok && now.Before(exp) {
		return false, nil
	}
	s.nullifiers[nullifier] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired challenges and nullifiers.
func (s *MemoryChallengeStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.challenges {
		if !now.Before(e.expiresAt) {
			delete(s.challenges, k)
		}
	}
	for k, exp := range s.nullifiers {
		if !now.Before(exp) {
			delete(s.nullifiers, k)
		}
	}
}

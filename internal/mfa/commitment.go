package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/adaptiveauth/rba/internal/domain"
)

// This is a proof-of-possession scheme built from a salted commitment, an
// HMAC keyed by that commitment, and a per-challenge nullifier. It is not a
// zero-knowledge proof.

const (
	saltBytes  = 16
	nonceBytes = 32
)

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewSalt returns a fresh random salt.
func NewSalt() (string, error) { return randomHex(saltBytes) }

// NewNonce returns a fresh random challenge nonce.
func NewNonce() (string, error) { return randomHex(nonceBytes) }

// Commit returns hex(SHA-256(secret ‖ salt)).
func Commit(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])
}

// Nullifier binds a commitment to one challenge nonce.
func Nullifier(commitment, nonce string) string {
	sum := sha256.Sum256([]byte(commitment + nonce))
	return hex.EncodeToString(sum[:])
}

// EncodePublicSignals renders [factorType, challengeNonce, clientTimestamp].
func EncodePublicSignals(ps domain.PublicSignals) []string {
	return []string{
		string(ps.FactorType),
		ps.ChallengeNonce,
		ps.ClientTimestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ParsePublicSignals is the inverse of EncodePublicSignals.
func ParsePublicSignals(signals []string) (domain.PublicSignals, error) {
	if len(signals) != 3 {
		return domain.PublicSignals{}, fmt.Errorf("expected 3 public signals, got %d", len(signals))
	}
	ts, err := time.Parse(time.RFC3339Nano, signals[2])
	if err != nil {
		return domain.PublicSignals{}, fmt.Errorf("client timestamp: %w", err)
	}
	return domain.PublicSignals{
		FactorType:      domain.FactorType(signals[0]),
		ChallengeNonce:  signals[1],
		ClientTimestamp: ts,
	}, nil
}

func proofMAC(commitment string, signals []string) string {
	mac := hmac.New(sha256.New, []byte(commitment))
	for _, s := range signals {
		mac.Write([]byte(s))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Prove builds the proof a client holding secret and salt presents for a challenge.
func Prove(ft domain.FactorType, secret, salt, nonce string, at time.Time) domain.Proof {
	commitment := Commit(secret, salt)
	signals := EncodePublicSignals(domain.PublicSignals{
		FactorType:      ft,
		ChallengeNonce:  nonce,
		ClientTimestamp: at,
	})
	return domain.Proof{
		FactorType:    ft,
		ProofValue:    proofMAC(commitment, signals),
		PublicSignals: signals,
		Nullifier:     Nullifier(commitment, nonce),
	}
}

// validProof checks the proof value and nullifier against the stored commitment.
func validProof(rec *domain.MFASecretRecord, p domain.Proof) bool {
	if len(p.PublicSignals) != 3 {
		return false
	}
	if p.FactorType != rec.FactorType || p.PublicSignals[0] != string(rec.FactorType) {
		return false
	}
	want := proofMAC(rec.Commitment, p.PublicSignals)
	if !hmac.Equal([]byte(want), []byte(p.ProofValue)) {
		return false
	}
	return equalString(Nullifier(rec.Commitment, p.PublicSignals[1]), p.Nullifier)
}

func equalString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

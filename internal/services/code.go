// Package services – CodeIssuer
//
// This file implements the CodeIssuer, which generates and tracks the
// time-limited one-time codes used for out-of-band identity binding.
// Re-requesting a code within the TTL window is idempotent: the member keeps
// the code they already hold, so a user who asks twice gets one working link.
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"github.com/paoluz/authgate/internal/repo"
)

// codeAlphabet is uppercase letters plus digits: 36^6 ≈ 2.2e9 codes, enough
// entropy that online guessing within the TTL window is infeasible behind
// the callback rate limiter.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// CodeIssuer issues verification codes against the membership store.
// The zero Now falls back to time.Now; tests inject a fixed clock.
type CodeIssuer struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// TTL is the validity window of an issued code.
	TTL time.Duration
	// Now returns the current time; nil means time.Now.
	Now func() time.Time
}

// Issue returns the member's active verification code, generating and
// persisting a fresh one when none exists or the previous one expired.
//
// Uniqueness only needs to hold among currently live codes (lookup-by-code
// must resolve to at most one record), so a collision with another member's
// live code is resolved by regenerating. Returns ErrMemberNotFound when the
// record vanished (e.g. swept) between lookup and write.
func (s *CodeIssuer) Issue(ctx context.Context, chatID int64) (string, error) {
	now := s.now()

	m, err := repo.GetOrCreateMember(ctx, s.DB, chatID)
	if err != nil {
		return "", err
	}
	if m.CodeValidAt(now, s.TTL) {
		return *m.Code, nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		// Live collision with a different member: regenerate.
		if other, err := repo.FindMemberByCode(ctx, s.DB, code, now, s.TTL); err == nil && other.ChatID != chatID {
			continue
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}

		if err := repo.SetMemberCode(ctx, s.DB, chatID, code, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", ErrMemberNotFound
			}
			return "", err
		}
		codesIssuedTotal.Inc()
		return code, nil
	}
	return "", fmt.Errorf("could not generate a collision-free code")
}

// now returns the injected clock or wall time.
func (s *CodeIssuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// generateCode draws a fixed-length code from the alphanumeric alphabet
// using crypto/rand.
func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

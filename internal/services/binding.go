// Package services – BindingService
//
// This file implements the BindingService, the externally-callable operation
// that atomically consumes a verification code and establishes (or rejects)
// the chat-identity ↔ external-identity binding. Admin-key authentication is
// a transport concern and happens in the HTTP handler before any store
// lookup, so an attacker without the key learns nothing about code validity.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/paoluz/authgate/internal/domain"
	"github.com/paoluz/authgate/internal/repo"
)

// BoundNotifier receives the successful-binding side effects: unmuting the
// member across all gated groups and sending the confirmation notice.
// Implemented by the Gate.
type BoundNotifier interface {
	OnBound(ctx context.Context, m *domain.Member)
}

// BindingService implements the bind use-case over the membership store.
type BindingService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Issuer supplies the code TTL and clock so binding and issuance agree
	// on what "expired" means.
	Issuer *CodeIssuer
	// Notifier performs the best-effort chat side effects after a successful
	// bind. May be nil in tests.
	Notifier BoundNotifier
}

// Bind atomically validates code and binds uid to the member that holds it.
//
// Terminal outcomes map 1:1 to the store's re-checked invariants:
//   - ErrCodeExpired: no live record holds the code (unknown, consumed,
//     past TTL, or concurrently deleted by the sweep)
//   - ErrUIDAlreadyBound: uid is held by a different member
//   - ErrChatAlreadyBound: the member already holds a different uid
//
// On success the member is verified with its code cleared, and the notifier
// is invoked for the unmute + confirmation side effects. Those are
// best-effort: failures are logged by the notifier and never roll back the
// committed state transition.
func (s *BindingService) Bind(ctx context.Context, code, uid string) (*domain.Member, error) {
	m, err := repo.BindMember(ctx, s.DB, code, uid, s.Issuer.now(), s.Issuer.TTL)
	if err != nil {
		switch {
		case errors.Is(err, ErrCodeExpired):
			bindingsTotal.WithLabelValues("expired").Inc()
		case errors.Is(err, ErrUIDAlreadyBound):
			bindingsTotal.WithLabelValues("uid_conflict").Inc()
		case errors.Is(err, ErrChatAlreadyBound):
			bindingsTotal.WithLabelValues("chat_conflict").Inc()
		default:
			bindingsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	bindingsTotal.WithLabelValues("success").Inc()
	log.Info().Int64("chat_id", m.ChatID).Msg("member bound")

	if s.Notifier != nil {
		s.Notifier.OnBound(ctx, m)
	}
	return m, nil
}

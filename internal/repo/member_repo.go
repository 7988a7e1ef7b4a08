// Package repo implements the data persistence layer for the membership
// store, backed by GORM. This file provides repository functions for the
// Member model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition — with one deliberate exception, the
// BindMember transaction, which re-checks the uniqueness and TTL invariants
// immediately before committing so that two racing binds cannot both succeed.
//
// Error semantics:
//   - When a member is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - BindMember translates invariant violations into the sentinel errors
//     ErrBindCodeExpired, ErrBindUIDTaken and ErrBindChatTaken.
//   - On other DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/paoluz/authgate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// Bind invariant violations, translated by BindMember from the re-checks it
// performs inside its transaction.
var (
	// ErrBindCodeExpired indicates the code did not resolve to a live record:
	// no member holds it, it is past TTL, or the member was concurrently deleted.
	ErrBindCodeExpired = errors.New("verification code expired or unknown")

	// ErrBindUIDTaken indicates another member already bound the external identity.
	ErrBindUIDTaken = errors.New("uid already bound to another member")

	// ErrBindChatTaken indicates the resolved member already holds a different
	// external identity (stale code reuse after an earlier bind).
	ErrBindChatTaken = errors.New("member already bound to another uid")
)

// GetMember fetches a member by chat id, or ErrNotFound.
func GetMember(ctx context.Context, db *gorm.DB, chatID int64) (*domain.Member, error) {
	var m domain.Member
	if err := db.WithContext(ctx).Where("chat_id = ?", chatID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetOrCreateMember returns the member for chatID, creating an unverified
// record when none exists yet. A concurrent create racing on the chat_id
// unique index is resolved by re-reading the winner's row.
func GetOrCreateMember(ctx context.Context, db *gorm.DB, chatID int64) (*domain.Member, error) {
	m, err := GetMember(ctx, db, chatID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	m = &domain.Member{ChatID: chatID, CreatedAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicate(err) {
			return GetMember(ctx, db, chatID)
		}
		return nil, err
	}
	return m, nil
}

// FindMemberByCode resolves a pending code to its member, treating codes
// issued more than ttl before now as absent. Returns ErrNotFound when no
// live code matches.
func FindMemberByCode(ctx context.Context, db *gorm.DB, code string, now time.Time, ttl time.Duration) (*domain.Member, error) {
	if code == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var m domain.Member
	err := db.WithContext(ctx).
		Where("code = ? AND code_issued_at >= ?", code, now.Add(-ttl)).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMemberByUID fetches the member bound to the given external identity,
// or ErrNotFound.
func FindMemberByUID(ctx context.Context, db *gorm.DB, uid string) (*domain.Member, error) {
	var m domain.Member
	if err := db.WithContext(ctx).Where("uid = ?", uid).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMemberCode stores a fresh pending code and its issue timestamp on an
// unverified member. Returns ErrNotFound when the member row vanished (e.g.
// swept) between read and write.
func SetMemberCode(ctx context.Context, db *gorm.DB, chatID int64, code string, issuedAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Member{}).
		Where("chat_id = ? AND verified = ?", chatID, false).
		Updates(map[string]any{"code": code, "code_issued_at": issuedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// BindMember atomically consumes a live code and establishes the
// chat-identity ↔ uid binding. The whole read-check-write sequence runs in
// one transaction so that of two concurrent binds racing for the same code
// or the same uid, exactly one succeeds:
//
//  1. resolve code among non-expired pending codes → ErrBindCodeExpired
//  2. uid held by a different member → ErrBindUIDTaken
//  3. member already bound to a different uid → ErrBindChatTaken
//  4. set verified, set uid, clear code and code_issued_at
//
// A duplicate-key failure on the uid unique index (a racing bind that
// committed between the check and the write) is mapped to ErrBindUIDTaken,
// so the loser observes the same outcome deterministically.
//
// SQLite runs the transaction as a deferred read-then-write: when a racing
// bind commits first, the snapshot upgrade fails with an immediate
// SQLITE_BUSY that no busy_timeout resolves. BindMember absorbs that by
// re-running the transaction a bounded number of times; on the re-run the
// loser reads the committed state and lands on a sentinel, so raw busy
// errors never escape a same-code race.
func BindMember(ctx context.Context, db *gorm.DB, code, uid string, now time.Time, ttl time.Duration) (*domain.Member, error) {
	var (
		m   *domain.Member
		err error
	)
	for attempt := 0; ; attempt++ {
		m, err = bindMemberTx(ctx, db, code, uid, now, ttl)
		if err == nil || !isBusy(err) || attempt >= bindBusyRetries {
			return m, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

// bindBusyRetries bounds how often a busy bind transaction is re-run.
const bindBusyRetries = 5

func bindMemberTx(ctx context.Context, db *gorm.DB, code, uid string, now time.Time, ttl time.Duration) (*domain.Member, error) {
	var bound domain.Member
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := FindMemberByCode(ctx, tx, code, now, ttl)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBindCodeExpired
			}
			return err
		}

		if other, err := FindMemberByUID(ctx, tx, uid); err == nil && other.ChatID != m.ChatID {
			return ErrBindUIDTaken
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if m.UID != nil && *m.UID != uid {
			return ErrBindChatTaken
		}

		res := tx.Model(&domain.Member{}).
			Where("id = ? AND code = ?", m.ID, code).
			Updates(map[string]any{
				"verified":       true,
				"uid":            uid,
				"code":           nil,
				"code_issued_at": nil,
			})
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return ErrBindUIDTaken
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Row mutated or deleted under us inside a weaker isolation level.
			return ErrBindCodeExpired
		}

		m.Verified = true
		m.UID = &uid
		m.Code = nil
		m.CodeIssuedAt = nil
		bound = *m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &bound, nil
}

// DeleteMember removes a member record entirely, reclaiming the chat
// identity for reuse. Missing rows are not an error.
func DeleteMember(ctx context.Context, db *gorm.DB, chatID int64) error {
	return db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&domain.Member{}).Error
}

// ListStaleMembers returns unverified members whose code was issued before
// cutoff, oldest first. Members without an issued code are not considered
// stale; they are handled by the arrival grace timer instead.
func ListStaleMembers(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Member, error) {
	var out []domain.Member
	err := db.WithContext(ctx).
		Where("verified = ? AND code_issued_at IS NOT NULL AND code_issued_at < ?", false, cutoff).
		Order("code_issued_at asc").
		Find(&out).Error
	return out, err
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

// isBusy detects SQLite lock contention (SQLITE_BUSY and friends), the one
// transient failure class BindMember retries instead of propagating.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

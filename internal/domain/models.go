// Package domain defines the persistence model for gated group members.
// The type is mapped with GORM and forms the core data layer of the
// verification gate.
package domain

import "time"

// Member represents one chat identity that was ever observed by the gate,
// together with its verification state and the one-time code used to bind it
// to an external login identity.
//
// Fields:
//   - ChatID: Telegram user id; unique and immutable for the record's lifetime.
//   - UID: external login identity; unique across all members when set, and
//     written exactly once by a successful binding.
//   - Verified: monotonic false→true flag; only record deletion resets it.
//   - Code: active one-time verification code, nil once verified.
//   - CodeIssuedAt: timestamp of code issuance; set and cleared together
//     with Code.
type Member struct {
	ID           uint       `json:"-"             gorm:"primaryKey;autoIncrement"`
	ChatID       int64      `json:"chat_id"       gorm:"not null;uniqueIndex:ux_members_chat_id"`
	UID          *string    `json:"uid,omitempty" gorm:"type:varchar(64);uniqueIndex:ux_members_uid"`
	Verified     bool       `json:"verified"      gorm:"not null;default:false"`
	Code         *string    `json:"-"             gorm:"type:varchar(12);index:idx_members_code"`
	CodeIssuedAt *time.Time `json:"-"             gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Member.
func (Member) TableName() string { return "members" }

// CodeValidAt reports whether the member holds a code that is still within
// ttl at the given instant. Expired codes are treated as absent even when
// not yet physically cleared.
func (m *Member) CodeValidAt(now time.Time, ttl time.Duration) bool {
	if m.Code == nil || m.CodeIssuedAt == nil {
		return false
	}
	return now.Sub(*m.CodeIssuedAt) <= ttl
}

// Package transport defines the chat-transport capability consumed by the
// verification gate, and its Telegram Bot API implementation.
//
// The gate treats the transport as a stateless, fire-and-forget collaborator:
// every call may fail without affecting the authoritative membership state,
// so callers log and swallow transport errors rather than rolling back.
package transport

import (
	"context"
	"time"
)

// ChatTransport is the set of chat-side effects the gate needs. A chatID is
// either a user's private chat or a group chat, in Telegram's shared
// identifier namespace.
type ChatTransport interface {
	// SendMessage posts text to a chat and returns the new message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)

	// DeleteMessage removes a previously sent message.
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error

	// Restrict suppresses a member's ability to post in a group.
	Restrict(ctx context.Context, groupID, userID int64) error

	// Unrestrict lifts a previous restriction.
	Unrestrict(ctx context.Context, groupID, userID int64) error

	// Kick removes a member from a group. rejoinAfter controls how soon the
	// member may join again; zero means immediately.
	Kick(ctx context.Context, groupID, userID int64, rejoinAfter time.Duration) error
}

// Telegram Bot API implementation of the ChatTransport capability.
package transport

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram adapts a Bot API client to the ChatTransport interface.
//
// The underlying client is synchronous; context cancellation is honored on a
// best-effort basis (the Bot API library does not take a context, so an
// in-flight HTTP call is not interrupted).
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram wraps an authorized Bot API client.
func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

// SendMessage posts text to a chat and returns the message id.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// DeleteMessage removes a previously sent message.
func (t *Telegram) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

// Restrict mutes a member in a group by revoking all send permissions.
func (t *Telegram) Restrict(ctx context.Context, groupID, userID int64) error {
	return t.setPermissions(ctx, groupID, userID, false)
}

// Unrestrict restores a member's send permissions in a group.
func (t *Telegram) Unrestrict(ctx context.Context, groupID, userID int64) error {
	return t.setPermissions(ctx, groupID, userID, true)
}

func (t *Telegram) setPermissions(ctx context.Context, groupID, userID int64, allow bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: groupID,
			UserID: userID,
		},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       allow,
			CanSendMediaMessages:  allow,
			CanSendOtherMessages:  allow,
			CanAddWebPagePreviews: allow,
		},
	})
	return err
}

// Kick removes a member from a group. A positive rejoinAfter bans until that
// moment; zero (or negative) lifts the ban right away so the member may
// rejoin immediately.
func (t *Telegram) Kick(ctx context.Context, groupID, userID int64, rejoinAfter time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ban := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: groupID,
			UserID: userID,
		},
	}
	if rejoinAfter > 0 {
		ban.UntilDate = time.Now().Add(rejoinAfter).Unix()
	}
	if _, err := t.bot.Request(ban); err != nil {
		return err
	}
	if rejoinAfter <= 0 {
		// Telegram treats short bans as permanent; unban explicitly so the
		// member can rejoin at once.
		_, err := t.bot.Request(tgbotapi.UnbanChatMemberConfig{
			ChatMemberConfig: tgbotapi.ChatMemberConfig{
				ChatID: groupID,
				UserID: userID,
			},
			OnlyIfBanned: true,
		})
		return err
	}
	return nil
}

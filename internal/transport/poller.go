package transport

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/paoluz/authgate/internal/sysutil"
)

// GateHandler receives the bot-side events the poller extracts from the
// Telegram update stream. It is implemented by the gate service; the
// indirection keeps update parsing testable without a live bot.
type GateHandler interface {
	HandleArrival(ctx context.Context, groupID, userID int64, displayName string)
	HandleStart(ctx context.Context, chatID int64, isPrivate bool, messageID int)
	HandleAuth(ctx context.Context, chatID int64, isPrivate bool, messageID int)
	HandleGroupID(ctx context.Context, chatID int64)
	HandleScan(ctx context.Context, chatID int64, password string, groupID int64)
}

// Poller pumps the Telegram long-poll update stream and dispatches each
// update to the gate. One Poller per bot; Run blocks until the context is
// canceled.
type Poller struct {
	api     *tgbotapi.BotAPI
	gate    GateHandler
	selfID  int64
	timeout int
	log     zerolog.Logger
}

// NewPoller constructs a Poller over an authorized bot client.
func NewPoller(api *tgbotapi.BotAPI, gate GateHandler, log zerolog.Logger) *Poller {
	return &Poller{
		api:     api,
		gate:    gate,
		selfID:  api.Self.ID,
		timeout: 30, // long-poll hold, seconds
		log:     log,
	}
}

// Run consumes updates until ctx is canceled. It always returns ctx.Err();
// transient Telegram API errors are retried internally by the client.
func (p *Poller) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.timeout
	u.AllowedUpdates = []string{"message"}

	updates := p.api.GetUpdatesChan(u)
	p.log.Info().Int64("bot_id", p.selfID).Msg("update poller started")

	for {
		select {
		case <-ctx.Done():
			p.api.StopReceivingUpdates()
			p.log.Info().Msg("update poller stopped")
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			p.dispatch(ctx, upd)
		}
	}
}

// dispatch routes a single update. Service-join announcements take priority
// over command parsing; a join message never carries a command.
func (p *Poller) dispatch(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if len(msg.NewChatMembers) > 0 {
		for _, u := range msg.NewChatMembers {
			if u.ID == p.selfID || u.IsBot {
				continue
			}
			p.gate.HandleArrival(ctx, msg.Chat.ID, u.ID, displayName(&u))
		}
		return
	}

	if !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "start", "help":
		p.gate.HandleStart(ctx, msg.Chat.ID, msg.Chat.IsPrivate(), msg.MessageID)
	case "auth":
		p.gate.HandleAuth(ctx, msg.Chat.ID, msg.Chat.IsPrivate(), msg.MessageID)
	case "groupid":
		p.gate.HandleGroupID(ctx, msg.Chat.ID)
	case "scan":
		password, groupID := parseScanArgs(msg.CommandArguments())
		p.gate.HandleScan(ctx, msg.Chat.ID, password, groupID)
	default:
		p.log.Debug().Str("command", msg.Command()).Msg("ignoring unknown command")
	}
}

// parseScanArgs splits "<password> <group_id>" from the /scan command.
// Malformed input yields ("", 0), which the gate rejects as a bad password.
func parseScanArgs(args string) (string, int64) {
	parts := strings.Fields(args)
	if len(parts) != 2 {
		return "", 0
	}
	gid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0
	}
	return parts[0], gid
}

// displayName picks a human-readable name for greeting and logs.
func displayName(u *tgbotapi.User) string {
	full := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	return sysutil.FirstNonEmpty(full, u.UserName, strconv.FormatInt(u.ID, 10))
}

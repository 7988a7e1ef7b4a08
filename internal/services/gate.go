// Package services – Gate
//
// This file implements the membership gate: the state machine that mutes a
// newly arrived member in every gated group, answers the bot commands, and
// lifts the restriction once the member's identity binding succeeds. The
// membership store is the single source of truth; every chat-transport side
// effect is best-effort and failures are logged, never propagated into the
// state transition.
package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/paoluz/authgate/internal/domain"
	"github.com/paoluz/authgate/internal/repo"
	"github.com/paoluz/authgate/internal/transport"
)

// User-facing notices. The deployment this gate fronts is Chinese-language;
// the strings are fixed, not localized.
const (
	msgStartPrompt  = "请发送 /auth 进行验证."
	msgAlreadyBound = "你已经验证成功啦!, %s"
	msgAuthLink     = "请先在 %s 登录您的账号，然后请点击此链接完成验证（链接%s内有效）: %s"
	msgWelcomeBack  = "欢迎 %s, %s!"
	msgVerifyPrompt = "你没有进行用户验证,请私聊本机器人进行验证 %s!"
	msgBindConfirm  = "验证成功, 禁言稍后自动解除，或者您也可以退群重新加载和私聊管理员"
	msgEvicted      = "%s 因未验证已被移出群组。"
	msgScanDenied   = "口令错误"
	msgScanReport   = "清理完成: 移出 %d 人, 删除 %d 条记录"
	msgGroupID      = "当前会话ID: %d"
)

// GraceScheduler arms the per-member grace timer after an arrival.
// Implemented by the Watchdog.
type GraceScheduler interface {
	ScheduleGraceCheck(chatID int64, displayName string, groupID int64, promptMsgID int)
}

// Sweeper runs the stale-record sweep against one group.
// Implemented by the Watchdog.
type Sweeper interface {
	Sweep(ctx context.Context, groupID int64) (evicted, deleted int, err error)
}

// Gate reacts to chat-transport events for the gated groups. All handler
// methods are safe for concurrent use; correctness under concurrent arrivals
// and callbacks comes from the store, not from the gate's own state (it has
// none).
type Gate struct {
	DB        *gorm.DB
	Transport transport.ChatTransport
	Issuer    *CodeIssuer
	Scheduler GraceScheduler
	Sweeper   Sweeper

	// GroupIDs are the gated groups; arrivals elsewhere are ignored and a
	// successful bind unmutes in every one of them.
	GroupIDs []int64
	// LoginBaseURL is the externally hosted login page; the code is appended
	// verbatim to form the out-of-band URL.
	LoginBaseURL string
	// ScanKey gates the operator /scan command. Distinct from the HTTP
	// admin key so leaking one does not expose the other surface.
	ScanKey string

	Log zerolog.Logger
}

// gated reports whether groupID is one of the configured gated groups.
func (g *Gate) gated(groupID int64) bool {
	for _, id := range g.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// HandleArrival processes one new member joining groupID. The record is
// created on first contact; a verified member is welcomed and unmuted, an
// unverified one is muted, prompted, and put on the grace timer.
func (g *Gate) HandleArrival(ctx context.Context, groupID int64, userID int64, displayName string) {
	if !g.gated(groupID) {
		return
	}

	m, err := repo.GetOrCreateMember(ctx, g.DB, userID)
	if err != nil {
		g.Log.Error().Err(err).Int64("chat_id", userID).Msg("arrival: store lookup failed")
		return
	}

	// Mute first: the member must not be able to post while the record is
	// inspected, even for the verified fast path (the unmute follows).
	g.restrictAll(ctx, userID, true)

	if m.Verified {
		g.restrictAll(ctx, userID, false)
		g.send(ctx, groupID, fmt.Sprintf(msgWelcomeBack, maskUID(m.UID), displayName))
		return
	}

	promptID, err := g.Transport.SendMessage(ctx, groupID, fmt.Sprintf(msgVerifyPrompt, displayName))
	if err != nil {
		g.Log.Warn().Err(err).Int64("group_id", groupID).Msg("arrival: prompt send failed")
	}
	if g.Scheduler != nil {
		g.Scheduler.ScheduleGraceCheck(userID, displayName, groupID, promptID)
	}
}

// HandleStart answers /start and /help. In a group context the command
// message is deleted and ignored.
func (g *Gate) HandleStart(ctx context.Context, chatID int64, isPrivate bool, messageID int) {
	if !isPrivate {
		g.deleteMsg(ctx, chatID, messageID)
		return
	}
	g.send(ctx, chatID, msgStartPrompt)
}

// HandleAuth answers /auth in a private chat: a verified member sees their
// current binding, an unverified one receives (or keeps) a code and the
// out-of-band login URL. In a group context the command message is deleted
// and ignored.
func (g *Gate) HandleAuth(ctx context.Context, chatID int64, isPrivate bool, messageID int) {
	if !isPrivate {
		g.deleteMsg(ctx, chatID, messageID)
		return
	}

	m, err := repo.GetOrCreateMember(ctx, g.DB, chatID)
	if err != nil {
		g.Log.Error().Err(err).Int64("chat_id", chatID).Msg("auth: store lookup failed")
		return
	}
	if m.Verified {
		uid := ""
		if m.UID != nil {
			uid = *m.UID
		}
		g.send(ctx, chatID, fmt.Sprintf(msgAlreadyBound, uid))
		return
	}

	code, err := g.Issuer.Issue(ctx, chatID)
	if err != nil {
		g.Log.Error().Err(err).Int64("chat_id", chatID).Msg("auth: code issuance failed")
		return
	}
	g.send(ctx, chatID, fmt.Sprintf(msgAuthLink, loginHost(g.LoginBaseURL), ttlText(g.Issuer.TTL), g.AuthURL(code)))
}

// HandleGroupID replies with the chat identifier of the current conversation,
// an operator convenience for assembling GROUP_IDS.
func (g *Gate) HandleGroupID(ctx context.Context, chatID int64) {
	g.send(ctx, chatID, fmt.Sprintf(msgGroupID, chatID))
}

// HandleScan runs the stale sweep against groupID when password matches the
// operator scan key, and reports aggregate counts back to the caller's chat.
func (g *Gate) HandleScan(ctx context.Context, chatID int64, password string, groupID int64) {
	if g.ScanKey == "" || password != g.ScanKey {
		g.send(ctx, chatID, msgScanDenied)
		return
	}
	if g.Sweeper == nil {
		return
	}
	evicted, deleted, err := g.Sweeper.Sweep(ctx, groupID)
	if err != nil {
		g.Log.Error().Err(err).Int64("group_id", groupID).Msg("scan: sweep failed")
		return
	}
	g.send(ctx, chatID, fmt.Sprintf(msgScanReport, evicted, deleted))
}

// OnBound lifts the restriction in every gated group and sends the
// confirmation notice. Invoked by the BindingService after the store commit;
// everything here is best-effort.
func (g *Gate) OnBound(ctx context.Context, m *domain.Member) {
	g.restrictAll(ctx, m.ChatID, false)
	g.send(ctx, m.ChatID, msgBindConfirm)
}

// AuthURL forms the out-of-band login URL for a code.
func (g *Gate) AuthURL(code string) string {
	return g.LoginBaseURL + code
}

// restrictAll applies (or lifts) the mute across every gated group,
// logging and continuing on per-group transport failures.
func (g *Gate) restrictAll(ctx context.Context, userID int64, restrict bool) {
	for _, groupID := range g.GroupIDs {
		var err error
		if restrict {
			err = g.Transport.Restrict(ctx, groupID, userID)
		} else {
			err = g.Transport.Unrestrict(ctx, groupID, userID)
		}
		if err != nil {
			g.Log.Warn().Err(err).
				Int64("group_id", groupID).
				Int64("chat_id", userID).
				Bool("restrict", restrict).
				Msg("failed to modify member permissions")
		}
	}
}

// send posts a message, logging (not propagating) failures.
func (g *Gate) send(ctx context.Context, chatID int64, text string) {
	if _, err := g.Transport.SendMessage(ctx, chatID, text); err != nil {
		g.Log.Warn().Err(err).Int64("chat_id", chatID).Msg("message send failed")
	}
}

// deleteMsg removes a message, logging (not propagating) failures.
func (g *Gate) deleteMsg(ctx context.Context, chatID int64, messageID int) {
	if err := g.Transport.DeleteMessage(ctx, chatID, messageID); err != nil {
		g.Log.Warn().Err(err).Int64("chat_id", chatID).Int("message_id", messageID).Msg("message delete failed")
	}
}

// maskUID hides the middle of an external identity, keeping only the first
// and last character. Identities too short to mask meaningfully are fully
// starred out.
func maskUID(uid *string) string {
	if uid == nil {
		return ""
	}
	r := []rune(*uid)
	if len(r) < 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}

// ttlText renders the code validity window for the auth prompt: whole
// minutes when the window divides evenly, seconds otherwise, so the prompt
// always states the configured TTL instead of a hard-coded duration.
func ttlText(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d分钟", int(d/time.Minute))
	}
	return fmt.Sprintf("%d秒", int(d/time.Second))
}

// loginHost reduces the login base URL to its origin for display, so users
// are told where to log in without the code-bearing query tail.
func loginHost(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	return u.Scheme + "://" + u.Host
}

var _ BoundNotifier = (*Gate)(nil)

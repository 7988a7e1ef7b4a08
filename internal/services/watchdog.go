// Package services – Watchdog
//
// This file implements the verification watchdog: the per-member grace timer
// armed at arrival, and the stale sweep that reclaims long-abandoned
// records. Timer workers never trust the state captured when they were
// scheduled; every firing performs a fresh read against the store before
// acting, which is what makes re-arrival without cancelling older timers
// safe. No store transaction is ever held across a sleep.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/paoluz/authgate/internal/repo"
	"github.com/paoluz/authgate/internal/transport"
)

// Watchdog enforces the verification timeouts.
type Watchdog struct {
	DB        *gorm.DB
	Transport transport.ChatTransport

	// GracePeriod is the arrival-to-eviction window for unverified members.
	GracePeriod time.Duration
	// StaleAfter is the code age beyond which the sweep deletes a record.
	StaleAfter time.Duration
	// KickRejoinAfter is the re-ban window applied on eviction; zero lets
	// the member rejoin immediately.
	KickRejoinAfter time.Duration
	// NoticeTTL is how long the eviction notice stays up before the worker
	// deletes its own message.
	NoticeTTL time.Duration

	// Now returns the current time; nil means time.Now.
	Now func() time.Time

	Log zerolog.Logger

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// ScheduleGraceCheck arms a grace timer for one (member, group) arrival.
// The prompt notice sent at arrival is deleted when the timer fires,
// whatever the outcome. The method returns immediately; the worker runs in
// its own goroutine and is tracked for graceful shutdown.
//
// Re-arrival of the same member arms a fresh timer without cancelling older
// ones: each firing re-reads live state, so a superseded timer degrades to
// a no-op.
func (w *Watchdog) ScheduleGraceCheck(chatID int64, displayName string, groupID int64, promptMsgID int) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.stop == nil {
		w.stop = make(chan struct{})
	}
	stop := w.stop
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		if !sleepOrStop(w.GracePeriod, stop) {
			return
		}
		w.graceCheck(chatID, displayName, groupID, promptMsgID, stop)
	}()
}

// graceCheck runs after the grace period: it deletes the arrival prompt,
// re-reads the record, and either evicts the still-unverified member or
// welcomes the meanwhile-verified one.
func (w *Watchdog) graceCheck(chatID int64, displayName string, groupID int64, promptMsgID int, stop <-chan struct{}) {
	ctx := context.Background()

	if promptMsgID != 0 {
		if err := w.Transport.DeleteMessage(ctx, groupID, promptMsgID); err != nil {
			w.Log.Warn().Err(err).Int("message_id", promptMsgID).Msg("grace: prompt delete failed")
		}
	}

	m, err := repo.GetMember(ctx, w.DB, chatID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			w.Log.Error().Err(err).Int64("chat_id", chatID).Msg("grace: store read failed")
		}
		// Record gone (swept or never created): nothing to enforce.
		return
	}

	if m.Verified {
		// Verified while the timer slept: unmute and welcome instead.
		if err := w.Transport.Unrestrict(ctx, groupID, chatID); err != nil {
			w.Log.Warn().Err(err).Int64("chat_id", chatID).Msg("grace: unrestrict failed")
		}
		w.sendNotice(ctx, groupID, fmt.Sprintf(msgWelcomeBack, maskUID(m.UID), displayName), 0, stop)
		return
	}

	if err := w.Transport.Kick(ctx, groupID, chatID, w.KickRejoinAfter); err != nil {
		w.Log.Warn().Err(err).Int64("chat_id", chatID).Int64("group_id", groupID).Msg("grace: kick failed")
	}
	evictionsTotal.WithLabelValues("grace").Inc()
	w.Log.Info().Int64("chat_id", chatID).Int64("group_id", groupID).Msg("member evicted after grace period")

	w.sendNotice(ctx, groupID, fmt.Sprintf(msgEvicted, displayName), w.NoticeTTL, stop)
}

// sendNotice posts a message and, when ttl > 0, deletes it again after ttl.
// The secondary sleep happens inside this worker without holding anything.
func (w *Watchdog) sendNotice(ctx context.Context, groupID int64, text string, ttl time.Duration, stop <-chan struct{}) {
	msgID, err := w.Transport.SendMessage(ctx, groupID, text)
	if err != nil {
		w.Log.Warn().Err(err).Int64("group_id", groupID).Msg("notice send failed")
		return
	}
	if ttl <= 0 {
		return
	}
	if !sleepOrStop(ttl, stop) {
		return
	}
	if err := w.Transport.DeleteMessage(ctx, groupID, msgID); err != nil {
		w.Log.Warn().Err(err).Int("message_id", msgID).Msg("notice delete failed")
	}
}

// Sweep evicts and deletes records that are unverified and whose code was
// issued more than StaleAfter ago. Records that became verified between
// selection and action are skipped; eviction is best-effort, deletion is
// authoritative. Returns the counts of members kicked and records deleted.
func (w *Watchdog) Sweep(ctx context.Context, groupID int64) (evicted, deleted int, err error) {
	cutoff := w.now().Add(-w.StaleAfter)
	stale, err := repo.ListStaleMembers(ctx, w.DB, cutoff)
	if err != nil {
		return 0, 0, err
	}

	for i := range stale {
		// Re-read before acting: a bind may have landed since selection.
		m, err := repo.GetMember(ctx, w.DB, stale[i].ChatID)
		if err != nil || m.Verified {
			continue
		}

		if err := w.Transport.Kick(ctx, groupID, m.ChatID, w.KickRejoinAfter); err != nil {
			w.Log.Warn().Err(err).Int64("chat_id", m.ChatID).Msg("sweep: kick failed")
		} else {
			evicted++
			evictionsTotal.WithLabelValues("sweep").Inc()
		}

		if err := repo.DeleteMember(ctx, w.DB, m.ChatID); err != nil {
			w.Log.Error().Err(err).Int64("chat_id", m.ChatID).Msg("sweep: delete failed")
			continue
		}
		deleted++
	}

	w.Log.Info().Int("evicted", evicted).Int("deleted", deleted).Int64("group_id", groupID).Msg("stale sweep finished")
	return evicted, deleted, nil
}

// Shutdown stops accepting new timers, wakes the sleeping ones, and waits
// for in-flight workers to drain or ctx to expire.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		if w.stop != nil {
			close(w.stop)
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// now returns the injected clock or wall time.
func (w *Watchdog) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// sleepOrStop waits for d, returning false when the stop channel closes
// first. A nil stop channel never fires.
func sleepOrStop(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

var (
	_ GraceScheduler = (*Watchdog)(nil)
	_ Sweeper        = (*Watchdog)(nil)
)

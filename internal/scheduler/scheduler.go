// Package scheduler provides periodic jobs for CareLoop.
//
// It wraps a cron runner and implements the check-in reminder sweep:
// chat-ready users whose last check-in has gone stale are offered a new
// one, with a cooldown so nobody is prompted twice in short order.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CareLoop/internal/escalate"
	"github.com/BTreeMap/CareLoop/internal/models"
	"github.com/BTreeMap/CareLoop/internal/store"
)

// Reminder policy.
const (
	// DefaultSweepSpec runs the reminder sweep hourly.
	DefaultSweepSpec = "0 * * * *"
	// CheckinInterval is how long since the last check-in before a
	// reminder becomes due.
	CheckinInterval = 72 * time.Hour
	// PromptCooldown is the minimum gap between two reminder prompts to
	// the same user.
	PromptCooldown = 12 * time.Hour

	// ReminderMessage is the reminder prompt body.
	ReminderMessage = "It's been a few days since your last check-in. " +
		"Want to do a quick one? It takes under a minute."
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// ReminderStore is the storage surface the sweep needs.
type ReminderStore interface {
	AllSessions() ([]models.UserSession, error)
	GetUserSession(userID int64) (*models.UserSession, error)
	SaveUserSession(session models.UserSession) error
	LastCheckin(userID int64) (*models.CheckinRecord, error)
}

var _ ReminderStore = (store.Store)(nil)

// ReminderSender delivers the reminder message.
type ReminderSender interface {
	SendMessage(ctx context.Context, to int64, body string) error
}

// ReminderSweep offers overdue check-ins across all known users.
type ReminderSweep struct {
	store  ReminderStore
	sender ReminderSender
	clock  escalate.Clock
}

// NewReminderSweep builds a sweep. A nil clock defaults to system time.
func NewReminderSweep(st ReminderStore, sender ReminderSender, clock escalate.Clock) *ReminderSweep {
	if clock == nil {
		clock = escalate.SystemClock{}
	}
	return &ReminderSweep{store: st, sender: sender, clock: clock}
}

// Run walks every session and prompts users whose check-in is overdue.
// Errors for individual users are logged and do not stop the sweep.
func (s *ReminderSweep) Run(ctx context.Context) {
	sessions, err := s.store.AllSessions()
	if err != nil {
		slog.Error("ReminderSweep failed to list sessions", "error", err)
		return
	}
	now := s.clock.Now()

	prompted := 0
	for _, session := range sessions {
		due, err := s.isDue(&session, now)
		if err != nil {
			slog.Warn("ReminderSweep skipping user", "userID", session.ID, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := s.sender.SendMessage(ctx, session.ID, ReminderMessage); err != nil {
			slog.Warn("ReminderSweep send failed", "userID", session.ID, "error", err)
			continue
		}
		ts := now
		session.LastCheckinPromptAt = &ts
		session.UpdatedAt = now
		if err := s.store.SaveUserSession(session); err != nil {
			slog.Warn("ReminderSweep failed to stamp prompt time", "userID", session.ID, "error", err)
			continue
		}
		prompted++
	}
	slog.Info("ReminderSweep completed", "sessions", len(sessions), "prompted", prompted)
}

// isDue reports whether a reminder should go out to this user now.
func (s *ReminderSweep) isDue(session *models.UserSession, now time.Time) (bool, error) {
	if !session.ChatReady {
		return false, nil
	}
	// An in-progress flow owns the conversation; do not interrupt it.
	if session.Awaiting != models.AwaitingNone {
		return false, nil
	}
	if session.LastCheckinPromptAt != nil && now.Sub(*session.LastCheckinPromptAt) < PromptCooldown {
		return false, nil
	}

	last, err := s.store.LastCheckin(session.ID)
	if err != nil {
		return false, err
	}
	if last == nil {
		// Never checked in: fall back to profile age so brand-new users
		// are not prompted immediately.
		return now.Sub(session.CreatedAt) >= CheckinInterval, nil
	}
	return now.Sub(last.CreatedAt) >= CheckinInterval, nil
}

// Register installs the sweep on the scheduler under the given cron
// expression (DefaultSweepSpec when empty).
func (s *ReminderSweep) Register(sched *Scheduler, spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return sched.AddJob(spec, func() {
		s.Run(context.Background())
	})
}

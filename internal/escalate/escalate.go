// Package escalate implements the distress-streak support-offer hysteresis.
//
// Distress is a cumulative signal: single rough messages are absorbed, a
// sustained pattern inside the streak window triggers a one-time support
// offer, and the offer cooldown prevents repeating the interruption within
// the same day. Deliberately simple threshold logic, not a statistical
// model.
package escalate

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/CareLoop/internal/models"
)

// Window and threshold constants governing the hysteresis.
const (
	// StreakWindow is the maximum gap between distress messages for them
	// to count as one streak; a larger gap resets the counter first.
	StreakWindow = 6 * time.Hour
	// IdleReset clears a stale streak when a non-distress message arrives
	// after this much silence from the last distress signal.
	IdleReset = 12 * time.Hour
	// OfferCooldown is the minimum spacing between support offers.
	OfferCooldown = 12 * time.Hour
	// OfferThreshold is the streak length that triggers an offer.
	OfferThreshold = 3
)

// Clock abstracts wall-clock time so the 6h/12h windows are testable
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Escalator applies the streak/cooldown algorithm to a session.
type Escalator struct {
	clock Clock
}

// New creates an Escalator. A nil clock falls back to the system clock.
func New(clock Clock) *Escalator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Escalator{clock: clock}
}

// Observe records one message's distress signal against the session and
// reports whether a support offer should be emitted now. Session fields
// (DistressStreak, LastDistressAt, LastSupportOfferAt) are mutated in
// place; the caller persists them.
func (e *Escalator) Observe(session *models.UserSession, isDistress bool) bool {
	now := e.clock.Now()

	if !isDistress {
		if session.LastDistressAt != nil && now.Sub(*session.LastDistressAt) > IdleReset {
			slog.Debug("Escalator resetting idle streak", "userID", session.ID, "streak", session.DistressStreak)
			session.DistressStreak = 0
		}
		return false
	}

	if session.LastDistressAt != nil && now.Sub(*session.LastDistressAt) > StreakWindow {
		// Stale streak: this message starts a new one.
		session.DistressStreak = 0
	}
	session.DistressStreak++
	session.LastDistressAt = &now

	offer := session.DistressStreak >= OfferThreshold &&
		(session.LastSupportOfferAt == nil || now.Sub(*session.LastSupportOfferAt) > OfferCooldown)
	if offer {
		session.LastSupportOfferAt = &now
		slog.Info("Escalator triggering support offer", "userID", session.ID, "streak", session.DistressStreak)
	} else {
		slog.Debug("Escalator observed distress", "userID", session.ID, "streak", session.DistressStreak)
	}
	return offer
}

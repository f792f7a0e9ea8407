package gamification

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a state change surfaced by the stores.
type EventKind string

const (
	EventAchievementUnlocked EventKind = "achievement_unlocked"
	EventMilestoneAchieved   EventKind = "milestone_achieved"
	EventChallengeCompleted  EventKind = "challenge_completed"
	EventChallengeExpired    EventKind = "challenge_expired"
	EventStatsUpdated        EventKind = "stats_updated"
)

// Event is a discrete notification emitted after a store mutation. Only the
// fields relevant to Kind are populated; all pointers refer to copies that
// are safe to retain.
type Event struct {
	ID          string              `json:"id"`
	Kind        EventKind           `json:"kind"`
	At          time.Time           `json:"at"`
	Achievement *Achievement        `json:"achievement,omitempty"`
	Challenge   *CommunityChallenge `json:"challenge,omitempty"`
	Milestone   *ChallengeMilestone `json:"milestone,omitempty"`
	Stats       *PlayerStats        `json:"stats,omitempty"`
}

func newEvent(kind EventKind, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: at}
}

// Notifier receives store events. Implementations must not block; the
// stores never wait for or depend on delivery.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// MultiNotifier fans an event out to every wrapped notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

func dispatch(n Notifier, events []Event) {
	for _, ev := range events {
		n.Notify(ev)
	}
}

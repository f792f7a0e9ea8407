package ws

import (
	"time"

	"github.com/mindlabs/quest-engine/internal/gamification"
)

type MessageType string

const (
	MsgSnapshot            MessageType = "snapshot"
	MsgStats               MessageType = "stats"
	MsgError               MessageType = "error"
	MsgSourceHealth        MessageType = "source_health"
	MsgAchievementUnlocked MessageType = MessageType(gamification.EventAchievementUnlocked)
	MsgMilestoneAchieved   MessageType = MessageType(gamification.EventMilestoneAchieved)
	MsgChallengeCompleted  MessageType = MessageType(gamification.EventChallengeCompleted)
	MsgChallengeExpired    MessageType = MessageType(gamification.EventChallengeExpired)
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the full state a client needs to render from scratch.
type SnapshotPayload struct {
	Achievements       []gamification.Achievement        `json:"achievements"`
	UnlockedCount      int                               `json:"unlockedCount"`
	TotalCount         int                               `json:"totalCount"`
	ProgressPercentage float64                           `json:"progressPercentage"`
	ActiveChallenges   []gamification.CommunityChallenge `json:"activeChallenges"`
	Completed          []gamification.CommunityChallenge `json:"completedChallenges"`
	Stats              *gamification.PlayerStats         `json:"stats,omitempty"`
}

type StatsPayload struct {
	Stats *gamification.PlayerStats `json:"stats"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// SourceHealthStatus indicates an event source's health.
type SourceHealthStatus string

const (
	StatusHealthy  SourceHealthStatus = "healthy"
	StatusDegraded SourceHealthStatus = "degraded"
	StatusFailed   SourceHealthStatus = "failed"
)

// SourceHealthPayload reports the health of an event source such as the
// gameplay journal.
type SourceHealthPayload struct {
	Source        string             `json:"source"`
	Status        SourceHealthStatus `json:"status"`
	ReadFailures  int                `json:"readFailures"`
	ParseFailures int                `json:"parseFailures"`
	LastError     string             `json:"lastError,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

package model

import "time"

type EventType string

const (
	EventInstanceStarted    EventType = "instance.started"
	EventInstanceStopped    EventType = "instance.stopped"
	EventSubmissionResolved EventType = "submission.resolved"
	EventScoreboardUpdated  EventType = "scoreboard.updated"
)

// GameEvent 推送给实时通知层的事件，尽力投递
type GameEvent struct {
	Type            EventType `json:"type"`
	GameID          uint      `json:"gameId"`
	ParticipationID uint      `json:"participationId,omitempty"`
	ChallengeID     uint      `json:"challengeId,omitempty"`
	Status          string    `json:"status,omitempty"`
	Content         string    `json:"content,omitempty"`
	Time            time.Time `json:"time"`
}

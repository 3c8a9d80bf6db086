package model

import "time"

type SubmissionStatus string

const (
	SubmissionPending     SubmissionStatus = "Pending"
	SubmissionAccepted    SubmissionStatus = "Accepted"
	SubmissionWrongAnswer SubmissionStatus = "WrongAnswer"
	SubmissionCheat       SubmissionStatus = "Cheat"
	SubmissionExpired     SubmissionStatus = "Expired"
	SubmissionNotFound    SubmissionStatus = "NotFound"
)

type Submission struct {
	BaseModel

	GameID          uint             `gorm:"index;not null" json:"gameId"`
	ChallengeID     uint             `gorm:"index;not null" json:"challengeId"`
	ParticipationID uint             `gorm:"index;not null" json:"participationId"`
	TeamID          uint             `gorm:"not null" json:"teamId"`
	UserID          uint             `gorm:"not null" json:"userId"`
	UserName        string           `gorm:"size:100" json:"userName"`
	Answer          string           `gorm:"size:191;not null" json:"answer"`
	Status          SubmissionStatus `gorm:"size:16;index;default:'Pending'" json:"status"`
	SubmitTime      time.Time        `gorm:"index" json:"submitTime"`
}

func (Submission) TableName() string {
	return "submissions"
}

// CheatInfo 提交的 flag 属于同题目下其他队伍的实例
type CheatInfo struct {
	ID                    uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID                uint      `gorm:"index;not null" json:"gameId"`
	SubmissionID          uint      `gorm:"uniqueIndex;not null" json:"submissionId"`
	SourceParticipationID uint      `gorm:"not null" json:"sourceParticipationId"`
	SubmitParticipationID uint      `gorm:"not null" json:"submitParticipationId"`
	CreatedAt             time.Time `json:"createdAt"`
}

func (CheatInfo) TableName() string {
	return "cheat_infos"
}

// Verdict 判题结果，由 SubmissionRepository.Resolve 在一个事务内落库
type Verdict struct {
	Status      SubmissionStatus
	InstanceID  uint
	ChallengeID uint
	Cheat       *CheatInfo
}

package model

type ParticipationStatus string

const (
	ParticipationPending   ParticipationStatus = "Pending"
	ParticipationAccepted  ParticipationStatus = "Accepted"
	ParticipationRejected  ParticipationStatus = "Rejected"
	ParticipationSuspended ParticipationStatus = "Suspended"
)

type Participation struct {
	BaseModel

	GameID     uint                `gorm:"index:idx_game_team,unique;not null" json:"gameId"`
	TeamID     uint                `gorm:"index:idx_game_team,unique;not null" json:"teamId"`
	TeamName   string              `gorm:"size:100;not null" json:"teamName"`
	Token      string              `gorm:"size:64;not null" json:"-"`
	Status     ParticipationStatus `gorm:"size:16;default:'Pending'" json:"status"`
	DivisionID *uint               `gorm:"index" json:"divisionId,omitempty"`
}

func (Participation) TableName() string {
	return "participations"
}

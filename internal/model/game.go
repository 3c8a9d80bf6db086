package model

import "time"

type Game struct {
	BaseModel

	Title        string    `gorm:"size:100;not null" json:"title"`
	StartTime    time.Time `gorm:"not null" json:"startTime"`
	EndTime      time.Time `gorm:"not null" json:"endTime"`
	TeamHashSalt string    `gorm:"size:64;not null" json:"-"`
	// 比赛结束后的收尾（销毁容器、归档排行榜）完成时间
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

func (Game) TableName() string {
	return "games"
}

func (g *Game) IsActive(now time.Time) bool {
	return !now.Before(g.StartTime) && now.Before(g.EndTime)
}

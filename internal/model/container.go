package model

import "time"

type ContainerStatus string

const (
	ContainerPending    ContainerStatus = "Pending"
	ContainerRunning    ContainerStatus = "Running"
	ContainerDestroying ContainerStatus = "Destroying"
	ContainerDestroyed  ContainerStatus = "Destroyed"
)

// OccupyingContainerStatuses 计入队伍容器上限的状态，包括尚未销毁成功的容器
var OccupyingContainerStatuses = []ContainerStatus{ContainerPending, ContainerRunning, ContainerDestroying}

type Container struct {
	BaseModel

	InstanceID      uint            `gorm:"index;not null" json:"instanceId"`
	ChallengeID     uint            `gorm:"not null" json:"challengeId"`
	ParticipationID uint            `gorm:"index;not null" json:"-"`
	GameID          uint            `gorm:"index;not null" json:"-"`
	ProviderID      string          `gorm:"size:128" json:"-"`
	Name            string          `gorm:"size:128;not null" json:"name"`
	Image           string          `gorm:"size:255;not null" json:"image"`
	Status          ContainerStatus `gorm:"size:16;index;default:'Pending'" json:"status"`

	IP         string `gorm:"size:64" json:"-"`
	Port       int    `json:"-"`
	PublicHost string `gorm:"size:255" json:"publicHost"`
	PublicPort int    `json:"publicPort"`
	IsProxy    bool   `json:"isProxy"`

	StartedAt    time.Time `json:"startedAt"`
	ExpectStopAt time.Time `gorm:"index" json:"expectStopAt"`
}

func (Container) TableName() string {
	return "containers"
}

func (c *Container) IsLive() bool {
	return c.Status == ContainerPending || c.Status == ContainerRunning
}

// Occupies 容器是否仍占用队伍名额
func (c *Container) Occupies() bool {
	return c.IsLive() || c.Status == ContainerDestroying
}

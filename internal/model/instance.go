package model

// Instance 队伍与题目的绑定，(participation, challenge) 唯一
type Instance struct {
	BaseModel

	ParticipationID uint   `gorm:"index:idx_instance_pair,unique;not null" json:"participationId"`
	ChallengeID     uint   `gorm:"index:idx_instance_pair,unique;index:idx_instance_flag;not null" json:"challengeId"`
	Flag            string `gorm:"size:191;index:idx_instance_flag" json:"-"`
	IsSolved        bool   `gorm:"default:false" json:"isSolved"`

	ContainerID *uint      `json:"containerId,omitempty"`
	Container   *Container `gorm:"foreignKey:ContainerID" json:"container,omitempty"`
}

func (Instance) TableName() string {
	return "instances"
}

package model

type ChallengeType string

const (
	StaticAttachment  ChallengeType = "StaticAttachment"
	StaticContainer   ChallengeType = "StaticContainer"
	DynamicAttachment ChallengeType = "DynamicAttachment"
	DynamicContainer  ChallengeType = "DynamicContainer"
)

func (t ChallengeType) IsContainer() bool {
	return t == StaticContainer || t == DynamicContainer
}

func (t ChallengeType) IsDynamic() bool {
	return t == DynamicAttachment || t == DynamicContainer
}

type Challenge struct {
	BaseModel

	GameID    uint          `gorm:"index;not null" json:"gameId"`
	Title     string        `gorm:"size:100;not null" json:"title"`
	Type      ChallengeType `gorm:"size:32;not null" json:"type"`
	IsEnabled bool          `gorm:"default:false" json:"isEnabled"`

	ContainerImage string `gorm:"size:255" json:"containerImage"`
	ExposePort     int    `json:"exposePort"`
	CPUCount       int    `gorm:"default:1" json:"cpuCount"`       // 单位 0.1 核
	MemoryLimit    int    `gorm:"default:64" json:"memoryLimit"`   // MiB
	StorageLimit   int    `gorm:"default:256" json:"storageLimit"` // MiB

	OriginalScore int     `gorm:"default:1000" json:"originalScore"`
	MinScoreRate  float64 `gorm:"not null" json:"minScoreRate"`
	Difficulty    float64 `gorm:"default:5" json:"difficulty"`
	AcceptedCount int     `gorm:"default:0" json:"acceptedCount"`

	FlagTemplate string       `gorm:"size:120" json:"flagTemplate"`
	StaticFlags  []StaticFlag `gorm:"foreignKey:ChallengeID" json:"-"`
}

func (Challenge) TableName() string {
	return "challenges"
}

// StaticFlag 静态题目允许的 flag，一个题目可以有多个
type StaticFlag struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ChallengeID uint   `gorm:"index:idx_static_flag,unique;not null" json:"challengeId"`
	Flag        string `gorm:"size:191;index:idx_static_flag,unique;not null" json:"flag"`
}

func (StaticFlag) TableName() string {
	return "static_flags"
}

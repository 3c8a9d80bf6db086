package model

import "time"

type SolveType string

const (
	FirstBlood  SolveType = "FirstBlood"
	SecondBlood SolveType = "SecondBlood"
	ThirdBlood  SolveType = "ThirdBlood"
	NormalSolve SolveType = "Normal"
)

var BloodTypes = []SolveType{FirstBlood, SecondBlood, ThirdBlood}

// Scoreboard 由提交记录派生的排行榜快照，发布后不可修改
type Scoreboard struct {
	GameID     uint             `json:"gameId"`
	Generation uint64           `json:"generation"`
	UpdateTime time.Time        `json:"updateTime"`
	Items      []ScoreboardItem `json:"items"`
	Challenges []ChallengeInfo  `json:"challenges"`
	Timelines  []TopTimeline    `json:"timelines"`
}

type ScoreboardItem struct {
	ParticipationID    uint             `json:"participationId"`
	TeamID             uint             `json:"teamId"`
	TeamName           string           `json:"teamName"`
	DivisionID         *uint            `json:"divisionId,omitempty"`
	Rank               int              `json:"rank"`
	DivisionRank       int              `json:"divisionRank"`
	Score              int              `json:"score"`
	SolvedCount        int              `json:"solvedCount"`
	LastSubmissionTime time.Time        `json:"lastSubmissionTime"`
	SolvedChallenges   []ChallengeSolve `json:"solvedChallenges"`
}

type ChallengeSolve struct {
	ChallengeID uint      `json:"challengeId"`
	Score       int       `json:"score"`
	Type        SolveType `json:"type"`
	UserName    string    `json:"userName"`
	Time        time.Time `json:"time"`
}

type ChallengeInfo struct {
	ID          uint    `json:"id"`
	Title       string  `json:"title"`
	Score       int     `json:"score"`
	SolvedCount int     `json:"solvedCount"`
	Bloods      []Blood `json:"bloods"`
}

type Blood struct {
	ParticipationID uint      `json:"participationId"`
	TeamName        string    `json:"teamName"`
	Time            time.Time `json:"time"`
}

type TopTimeline struct {
	ParticipationID uint            `json:"participationId"`
	TeamName        string          `json:"teamName"`
	Items           []TimelinePoint `json:"items"`
}

type TimelinePoint struct {
	Time  time.Time `json:"time"`
	Score int       `json:"score"`
}

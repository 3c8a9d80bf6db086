package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gzctf_core/internal/config"
	"gzctf_core/internal/container"
	"gzctf_core/internal/model"
	"gzctf_core/internal/util"
)

// memDB 内存版存储，行为与 repository 包的条件更新保持一致
type memDB struct {
	mu     sync.Mutex
	nextID uint
	now    func() time.Time

	games       map[uint]*model.Game
	challenges  map[uint]*model.Challenge
	parts       map[uint]*model.Participation
	instances   map[uint]*model.Instance
	containers  map[uint]*model.Container
	submissions map[uint]*model.Submission
	cheats      []model.CheatInfo
}

func newMemDB() *memDB {
	return &memDB{
		now:         time.Now,
		games:       make(map[uint]*model.Game),
		challenges:  make(map[uint]*model.Challenge),
		parts:       make(map[uint]*model.Participation),
		instances:   make(map[uint]*model.Instance),
		containers:  make(map[uint]*model.Container),
		submissions: make(map[uint]*model.Submission),
	}
}

func (db *memDB) id() uint {
	db.nextID++
	return db.nextID
}

func (db *memDB) addGame(g model.Game) *model.Game {
	db.mu.Lock()
	defer db.mu.Unlock()
	g.ID = db.id()
	db.games[g.ID] = &g
	return &g
}

func (db *memDB) addChallenge(c model.Challenge) *model.Challenge {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.ID = db.id()
	db.challenges[c.ID] = &c
	return &c
}

func (db *memDB) addParticipation(p model.Participation) *model.Participation {
	db.mu.Lock()
	defer db.mu.Unlock()
	p.ID = db.id()
	db.parts[p.ID] = &p
	return &p
}

func (db *memDB) container(id uint) model.Container {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.containers[id]
}

func (db *memDB) setContainer(id uint, fn func(c *model.Container)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.containers[id])
}

func (db *memDB) countContainers(status model.ContainerStatus) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, c := range db.containers {
		if c.Status == status {
			n++
		}
	}
	return n
}

func (db *memDB) submission(id uint) model.Submission {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.submissions[id]
}

func (db *memDB) cheatInfos() []model.CheatInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]model.CheatInfo(nil), db.cheats...)
}

func (db *memDB) solved(participationID, challengeID uint) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.instance(participationID, challengeID).IsSolved
}

func (db *memDB) acceptedCount(challengeID uint) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.challenges[challengeID].AcceptedCount
}

func (db *memDB) instance(participationID, challengeID uint) *model.Instance {
	for _, inst := range db.instances {
		if inst.ParticipationID == participationID && inst.ChallengeID == challengeID {
			return inst
		}
	}
	return nil
}

type memGames struct{ *memDB }

func (s memGames) FindByID(_ context.Context, id uint) (*model.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s memGames) ListEndedUnfinalized(_ context.Context, now time.Time) ([]model.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Game
	for _, g := range s.games {
		if !g.EndTime.After(now) && g.FinalizedAt == nil {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memGames) MarkFinalized(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[id].FinalizedAt = &at
	return nil
}

type memChallenges struct{ *memDB }

func (s memChallenges) Create(_ context.Context, c *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	cp := *c
	s.challenges[c.ID] = &cp
	return nil
}

func (s memChallenges) FindByID(_ context.Context, id uint) (*model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s memChallenges) ListEnabledByGame(_ context.Context, gameID uint) ([]model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Challenge
	for _, c := range s.challenges {
		if c.GameID == gameID && c.IsEnabled {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memChallenges) SetEnabled(_ context.Context, id uint, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[id].IsEnabled = enabled
	return nil
}

func (s memChallenges) UpdateScoreParams(_ context.Context, id uint, originalScore int, minScoreRate, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.challenges[id]
	c.OriginalScore, c.MinScoreRate, c.Difficulty = originalScore, minScoreRate, difficulty
	return nil
}

func (s memChallenges) HasFlag(_ context.Context, challengeID uint, flag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok {
		return false, nil
	}
	for _, f := range c.StaticFlags {
		if f.Flag == flag {
			return true, nil
		}
	}
	return false, nil
}

type memParticipations struct{ *memDB }

func (s memParticipations) FindByID(_ context.Context, id uint) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s memParticipations) ListAcceptedByGame(_ context.Context, gameID uint) ([]model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Participation
	for _, p := range s.parts {
		if p.GameID == gameID && p.Status == model.ParticipationAccepted {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memInstances struct{ *memDB }

func (s memInstances) load(inst *model.Instance) *model.Instance {
	cp := *inst
	if inst.ContainerID != nil {
		if c, ok := s.containers[*inst.ContainerID]; ok {
			cc := *c
			cp.Container = &cc
		}
	}
	return &cp
}

func (s memInstances) Find(_ context.Context, participationID, challengeID uint) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instance(participationID, challengeID)
	if inst == nil {
		return nil, util.ErrNotFound
	}
	return s.load(inst), nil
}

func (s memInstances) FirstOrCreate(_ context.Context, inst *model.Instance) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.instance(inst.ParticipationID, inst.ChallengeID); existing != nil {
		return s.load(existing), nil
	}
	cp := *inst
	cp.ID = s.id()
	s.instances[cp.ID] = &cp
	return s.load(&cp), nil
}

func (s memInstances) FindByFlag(_ context.Context, challengeID uint, flag string, excludeParticipationID uint) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.ChallengeID == challengeID && inst.Flag == flag && inst.ParticipationID != excludeParticipationID {
			return s.load(inst), nil
		}
	}
	return nil, util.ErrNotFound
}

type memContainers struct{ *memDB }

func (s memContainers) Reserve(_ context.Context, c *model.Container, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := 0
	for _, existing := range s.containers {
		if !existing.Occupies() {
			continue
		}
		if existing.InstanceID == c.InstanceID {
			return util.ErrStateConflict
		}
		if existing.ParticipationID == c.ParticipationID {
			live++
		}
	}
	if limit > 0 && live >= limit {
		return util.ErrConcurrencyLimitExceeded
	}

	c.ID = s.id()
	c.Status = model.ContainerPending
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.containers[c.ID] = &cp
	id := c.ID
	s.instances[c.InstanceID].ContainerID = &id
	return nil
}

func (s memContainers) detach(id uint) {
	for _, inst := range s.instances {
		if inst.ContainerID != nil && *inst.ContainerID == id {
			inst.ContainerID = nil
		}
	}
}

func (s memContainers) Release(_ context.Context, c *model.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.containers[c.ID]; ok && existing.Status == model.ContainerPending {
		delete(s.containers, c.ID)
	}
	s.detach(c.ID)
	return nil
}

func (s memContainers) FindByID(_ context.Context, id uint) (*model.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s memContainers) MarkRunning(_ context.Context, c *model.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.containers[c.ID]
	if !ok || existing.Status != model.ContainerPending {
		return util.ErrStateConflict
	}
	c.Status = model.ContainerRunning
	c.UpdatedAt = s.now()
	cp := *c
	s.containers[c.ID] = &cp
	return nil
}

func (s memContainers) Transition(_ context.Context, id uint, from, to model.ContainerStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = s.now()
	return true, nil
}

func (s memContainers) ExtendExpectStop(_ context.Context, id uint, expectStopAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok || c.Status != model.ContainerRunning {
		return false, nil
	}
	c.ExpectStopAt = expectStopAt
	return true, nil
}

func (s memContainers) MarkDestroyed(_ context.Context, c *model.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.containers[c.ID]; ok {
		existing.Status = model.ContainerDestroyed
		existing.UpdatedAt = s.now()
	}
	c.Status = model.ContainerDestroyed
	s.detach(c.ID)
	return nil
}

func (s memContainers) list(keep func(c *model.Container) bool) []model.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Container
	for _, c := range s.containers {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s memContainers) ListExpired(_ context.Context, now time.Time) ([]model.Container, error) {
	return s.list(func(c *model.Container) bool {
		return c.Status == model.ContainerRunning && c.ExpectStopAt.Before(now)
	}), nil
}

func (s memContainers) ListStale(_ context.Context, status model.ContainerStatus, updatedBefore time.Time) ([]model.Container, error) {
	return s.list(func(c *model.Container) bool {
		return c.Status == status && c.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s memContainers) ListUndestroyedByGame(_ context.Context, gameID uint) ([]model.Container, error) {
	return s.list(func(c *model.Container) bool {
		return c.GameID == gameID && c.Status != model.ContainerDestroyed
	}), nil
}

type memSubmissions struct{ *memDB }

func (s memSubmissions) Create(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = s.id()
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s memSubmissions) FindByID(_ context.Context, id uint) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, util.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s memSubmissions) ListPending(_ context.Context) ([]model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Submission
	for _, sub := range s.submissions {
		if sub.Status == model.SubmissionPending {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memSubmissions) Resolve(_ context.Context, id uint, v model.Verdict) (model.SubmissionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok || sub.Status != model.SubmissionPending {
		return "", util.ErrAlreadyResolved
	}
	status := v.Status
	if status == model.SubmissionAccepted {
		inst := s.instances[v.InstanceID]
		if inst.IsSolved {
			status = model.SubmissionExpired
		} else {
			inst.IsSolved = true
			s.challenges[v.ChallengeID].AcceptedCount++
		}
	}
	sub.Status = status
	if status == model.SubmissionCheat && v.Cheat != nil {
		s.cheats = append(s.cheats, *v.Cheat)
	}
	return status, nil
}

func (s memSubmissions) ListAcceptedByGame(_ context.Context, gameID uint) ([]model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Submission
	for _, sub := range s.submissions {
		if sub.GameID == gameID && sub.Status == model.SubmissionAccepted {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmitTime.Equal(out[j].SubmitTime) {
			return out[i].SubmitTime.Before(out[j].SubmitTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// fakeProvider 记录调用次数，可注入失败或阻塞
type fakeProvider struct {
	mu       sync.Mutex
	records  map[string]*container.Record
	creates  atomic.Int32
	destroys atomic.Int32

	createErr  error
	destroyErr error
	// hang 为 true 时 Create 阻塞到 ctx 结束，但记录已经落在后端
	hang bool
	// createStatus 非空时 Create 返回该状态，模拟读回正在删除的同名工作负载
	createStatus model.ContainerStatus
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: make(map[string]*container.Record)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Create(ctx context.Context, spec container.Spec) (*container.Record, error) {
	p.creates.Add(1)
	p.mu.Lock()
	if p.createErr != nil {
		err := p.createErr
		p.mu.Unlock()
		return nil, err
	}
	rec := &container.Record{
		ID:         "id-" + spec.Name,
		Name:       spec.Name,
		Status:     model.ContainerRunning,
		IP:         "10.0.0.2",
		Port:       spec.ExposePort,
		PublicHost: "ctf.example.com",
		PublicPort: 30000 + int(p.creates.Load()),
		StartedAt:  time.Now(),
	}
	if p.createStatus != "" {
		rec.Status = p.createStatus
	}
	p.records[spec.Name] = rec
	p.mu.Unlock()

	if p.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cp := *rec
	return &cp, nil
}

func (p *fakeProvider) Inspect(_ context.Context, id string) (*container.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.ID == id || rec.Name == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, util.ErrNotFound
}

func (p *fakeProvider) Destroy(_ context.Context, id string) error {
	p.destroys.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyErr != nil {
		return p.destroyErr
	}
	for name, rec := range p.records {
		if rec.ID == id || rec.Name == id {
			delete(p.records, name)
		}
	}
	return nil
}

func (p *fakeProvider) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]*container.Record)
}

func (p *fakeProvider) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.GameEvent
}

func (n *recordingNotifier) Publish(_ context.Context, e model.GameEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) count(t model.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == t {
			c++
		}
	}
	return c
}

type countingInvalidator struct {
	mu    sync.Mutex
	games []uint
}

func (c *countingInvalidator) Invalidate(gameID uint) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.games = append(c.games, gameID)
	return uint64(len(c.games))
}

func (c *countingInvalidator) calls() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint(nil), c.games...)
}

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		ContainerCountLimit: 2,
		DefaultLifetime:     2 * time.Hour,
		MaxLifetime:         6 * time.Hour,
		ExtensionDuration:   2 * time.Hour,
		BloodBonus:          []int{50, 30, 10},
	}
}

func testContainerConfig() config.ContainerConfig {
	return config.ContainerConfig{
		Type:           "docker",
		ExposeMode:     "publish",
		CreateTimeout:  200 * time.Millisecond,
		DestroyTimeout: time.Second,
	}
}

// env 一场进行中的比赛、两支已通过的队伍和一个动态容器题
type env struct {
	db       *memDB
	provider *fakeProvider
	notifier *recordingNotifier
	policies *config.PolicyStore
	flags    *FlagService

	game  *model.Game
	teamA *model.Participation
	teamB *model.Participation
	chal  *model.Challenge

	instances *InstanceService
}

func newEnv() *env {
	db := newMemDB()
	now := time.Now()
	e := &env{
		db:       db,
		provider: newFakeProvider(),
		notifier: &recordingNotifier{},
		policies: config.NewPolicyStore(testGameConfig()),
		flags:    NewFlagService(),
	}
	e.game = db.addGame(model.Game{
		Title:        "test",
		StartTime:    now.Add(-time.Hour),
		EndTime:      now.Add(24 * time.Hour),
		TeamHashSalt: "salt",
	})
	e.teamA = db.addParticipation(model.Participation{GameID: e.game.ID, TeamID: 1, TeamName: "alpha", Token: "token-a", Status: model.ParticipationAccepted})
	e.teamB = db.addParticipation(model.Participation{GameID: e.game.ID, TeamID: 2, TeamName: "bravo", Token: "token-b", Status: model.ParticipationAccepted})
	e.chal = e.addContainerChallenge("web")

	e.instances = NewInstanceService(
		memGames{db}, memChallenges{db}, memParticipations{db}, memInstances{db}, memContainers{db},
		e.provider, e.flags, e.policies, e.notifier, testContainerConfig(),
	)
	return e
}

func (e *env) addContainerChallenge(title string) *model.Challenge {
	return e.db.addChallenge(model.Challenge{
		GameID:         e.game.ID,
		Title:          title,
		Type:           model.DynamicContainer,
		IsEnabled:      true,
		ContainerImage: "ghcr.io/gzctf/" + title + ":latest",
		ExposePort:     80,
		CPUCount:       1,
		MemoryLimit:    64,
		StorageLimit:   256,
		OriginalScore:  500,
		MinScoreRate:   0.25,
		Difficulty:     3,
		FlagTemplate:   "flag{[TEAM_HASH]}",
	})
}

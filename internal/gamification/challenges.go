package gamification

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultUserID identifies the local player when no account system is wired.
const DefaultUserID = "current_user"

// ErrInvalidChallenge is returned by Add for a challenge that violates the
// catalog invariants (non-positive goal, end not after start).
var ErrInvalidChallenge = errors.New("invalid challenge")

// ChallengeCategory is the cadence a challenge runs on.
type ChallengeCategory string

const (
	ChallengeDaily   ChallengeCategory = "Daily"
	ChallengeWeekly  ChallengeCategory = "Weekly"
	ChallengeMonthly ChallengeCategory = "Monthly"
	ChallengeSpecial ChallengeCategory = "Special Event"
)

// Difficulty scales a challenge's XP reward.
type Difficulty string

const (
	DifficultyEasy    Difficulty = "Easy"
	DifficultyMedium  Difficulty = "Medium"
	DifficultyHard    Difficulty = "Hard"
	DifficultyExtreme Difficulty = "Extreme"
)

// XPMultiplier returns the reward multiplier for d.
func (d Difficulty) XPMultiplier() float64 {
	switch d {
	case DifficultyMedium:
		return 1.5
	case DifficultyHard:
		return 2.0
	case DifficultyExtreme:
		return 3.0
	default:
		return 1.0
	}
}

// ChallengeType names the gameplay counter a challenge measures.
type ChallengeType string

const (
	ChallengeQuestCount       ChallengeType = "Quest Count"
	ChallengeFocusTime        ChallengeType = "Focus Time"
	ChallengeStreakDays       ChallengeType = "Streak Days"
	ChallengeXPEarned         ChallengeType = "XP Earned"
	ChallengeSpecificCategory ChallengeType = "Category Specific"
)

// ChallengeReward is granted on completion.
type ChallengeReward struct {
	XP           int      `json:"xp"`
	Badge        string   `json:"badge,omitempty"`
	Title        string   `json:"title,omitempty"`
	BonusRewards []string `json:"bonusRewards,omitempty"`
}

// ChallengeParticipant is one row on a challenge leaderboard. Rank is derived
// from a sort on demand and is only populated on Leaderboard results.
type ChallengeParticipant struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Avatar     string    `json:"avatar"`
	Progress   int       `json:"progress"`
	JoinedDate time.Time `json:"joinedDate"`
	LastUpdate time.Time `json:"lastUpdate"`
	Rank       int       `json:"rank,omitempty"`
}

// CommunityChallenge is a time-boxed shared goal. IsActive goes true→false
// exactly once and is never set back.
type CommunityChallenge struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Category     ChallengeCategory      `json:"category"`
	Difficulty   Difficulty             `json:"difficulty"`
	Type         ChallengeType          `json:"type"`
	StartDate    time.Time              `json:"startDate"`
	EndDate      time.Time              `json:"endDate"`
	Goal         int                    `json:"goal"`
	Unit         string                 `json:"unit"`
	Reward       ChallengeReward        `json:"reward"`
	Participants []ChallengeParticipant `json:"participants"`
	IsActive     bool                   `json:"isActive"`
	Rules        []string               `json:"rules,omitempty"`
	CreatedBy    string                 `json:"createdBy"`

	// TargetCategory restricts a Category Specific challenge to quests of
	// one category.
	TargetCategory string `json:"targetCategory,omitempty"`
}

// TimeRemaining renders the time left before EndDate as "3d 4h", "5h 12m"
// or "Ended".
func (c CommunityChallenge) TimeRemaining(now time.Time) string {
	left := c.EndDate.Sub(now)
	if left <= 0 {
		return "Ended"
	}
	secs := int(left.Seconds())
	days := secs / 86400
	hours := secs % 86400 / 3600
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dh %dm", hours, secs%3600/60)
}

func (c CommunityChallenge) hasParticipant(userID string) bool {
	return c.participantIndex(userID) >= 0
}

func (c CommunityChallenge) participantIndex(userID string) int {
	for i, p := range c.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// clone returns a deep copy so snapshots never alias store state.
// removeParticipant drops userID's row and reports whether one existed.
func (c *CommunityChallenge) removeParticipant(userID string) bool {
	removed := false
	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p.UserID == userID {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	c.Participants = kept
	return removed
}

func (c CommunityChallenge) clone() CommunityChallenge {
	cp := c
	cp.Participants = append([]ChallengeParticipant(nil), c.Participants...)
	cp.Rules = append([]string(nil), c.Rules...)
	cp.Reward.BonusRewards = append([]string(nil), c.Reward.BonusRewards...)
	return cp
}

// ChallengeMilestone is an intermediate threshold within a challenge goal.
type ChallengeMilestone struct {
	ID           string     `json:"id"`
	Threshold    int        `json:"threshold"`
	Reward       string     `json:"reward"`
	IsAchieved   bool       `json:"isAchieved"`
	AchievedDate *time.Time `json:"achievedDate,omitempty"`
}

// UserChallengeProgress tracks one user in one challenge. IsCompleted flips
// to true once, when CurrentProgress first reaches the challenge goal.
type UserChallengeProgress struct {
	ID              string               `json:"id"`
	ChallengeID     string               `json:"challengeId"`
	UserID          string               `json:"userId"`
	CurrentProgress int                  `json:"currentProgress"`
	Milestones      []ChallengeMilestone `json:"milestones"`
	IsCompleted     bool                 `json:"isCompleted"`
	CompletedDate   *time.Time           `json:"completedDate,omitempty"`
}

func (p UserChallengeProgress) clone() UserChallengeProgress {
	cp := p
	cp.Milestones = append([]ChallengeMilestone(nil), p.Milestones...)
	return cp
}

// ChallengeOptions configures a ChallengeStore.
type ChallengeOptions struct {
	// UserID is the participant the store acts for.
	UserID string
	// MilestoneCount and MilestoneRewardStep shape new progress records.
	MilestoneCount      int
	MilestoneRewardStep int
	// SeedDefaults installs the daily, weekly and monthly challenges when no
	// active challenge state exists.
	SeedDefaults bool
}

func (o ChallengeOptions) withDefaults() ChallengeOptions {
	if o.UserID == "" {
		o.UserID = DefaultUserID
	}
	if o.MilestoneCount <= 0 {
		o.MilestoneCount = DefaultMilestoneCount
	}
	if o.MilestoneRewardStep <= 0 {
		o.MilestoneRewardStep = DefaultMilestoneRewardStep
	}
	return o
}

// ChallengeStore owns the challenge catalog, its active/expired lifecycle
// and one milestone-tracked progress record per (challenge, user) pair.
// All methods are safe for concurrent use.
type ChallengeStore struct {
	mu            sync.Mutex
	active        []CommunityChallenge
	progress      []UserChallengeProgress
	completed     []CommunityChallenge
	lastCompleted *CommunityChallenge

	opts     ChallengeOptions
	persist  Persister
	notifier Notifier
	now      func() time.Time
}

// NewChallengeStore loads the three challenge records from p, installs the
// default challenges if configured and none are active, then runs the
// expiry sweep. Load failures fall back to empty state; the first one is
// returned as a *PersistError for logging.
func NewChallengeStore(p Persister, n Notifier, opts ChallengeOptions) (*ChallengeStore, error) {
	return newChallengeStore(p, n, opts, time.Now)
}

func newChallengeStore(p Persister, n Notifier, opts ChallengeOptions, now func() time.Time) (*ChallengeStore, error) {
	if n == nil {
		n = nopNotifier{}
	}
	s := &ChallengeStore{
		opts:     opts.withDefaults(),
		persist:  p,
		notifier: n,
		now:      now,
	}

	// Records are decoded into locals so a partially decoded one never
	// reaches the store.
	var active, completed []CommunityChallenge
	var progress []UserChallengeProgress
	found, errActive := loadRecord(p, RecordChallenges, &active)
	if found {
		s.active = active
	}
	found, errProgress := loadRecord(p, RecordChallengeProgress, &progress)
	if found {
		s.progress = progress
	}
	found, errCompleted := loadRecord(p, RecordCompletedChallenges, &completed)
	if found {
		s.completed = completed
	}
	loadErr := firstErr(errActive, errProgress, errCompleted)

	s.mu.Lock()
	seeded := false
	if len(s.active) == 0 && s.opts.SeedDefaults {
		s.active = defaultChallenges(s.now())
		seeded = true
	}
	events := s.sweepLocked()
	var saveErr error
	if seeded || len(events) > 0 {
		saveErr = s.saveLocked()
	}
	s.mu.Unlock()

	dispatch(s.notifier, events)
	return s, firstErr(loadErr, saveErr)
}

// UserID returns the participant this store acts for.
func (s *ChallengeStore) UserID() string { return s.opts.UserID }

// Add validates c, assigns it an ID if it has none and appends it to the
// active collection.
func (s *ChallengeStore) Add(c CommunityChallenge) (CommunityChallenge, error) {
	if c.Goal <= 0 {
		return CommunityChallenge{}, fmt.Errorf("%w: goal must be positive", ErrInvalidChallenge)
	}
	if !c.EndDate.After(c.StartDate) {
		return CommunityChallenge{}, fmt.Errorf("%w: end date must be after start date", ErrInvalidChallenge)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedBy == "" {
		c.CreatedBy = "MindLabs Team"
	}
	c.IsActive = true
	c = c.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeIndex(c.ID) >= 0 || s.completedIndex(c.ID) >= 0 {
		return CommunityChallenge{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidChallenge, c.ID)
	}
	s.active = append(s.active, c)
	return c.clone(), saveRecord(s.persist, RecordChallenges, s.active)
}

// Join adds the store's user to the active challenge with the given ID and
// creates a fresh progress record. Unknown challenges are ignored, as is a
// join by a user who is already participating.
func (s *ChallengeStore) Join(challengeID, username, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.activeIndex(challengeID)
	if i < 0 {
		return nil
	}
	c := &s.active[i]
	if c.hasParticipant(s.opts.UserID) {
		return nil
	}

	now := s.now()
	c.Participants = append(c.Participants, ChallengeParticipant{
		UserID:     s.opts.UserID,
		Username:   username,
		Avatar:     avatar,
		JoinedDate: now,
		LastUpdate: now,
	})

	s.removeProgressLocked(challengeID)
	s.progress = append(s.progress, UserChallengeProgress{
		ID:          uuid.NewString(),
		ChallengeID: challengeID,
		UserID:      s.opts.UserID,
		Milestones:  buildMilestones(c.Goal, s.opts.MilestoneCount, s.opts.MilestoneRewardStep),
	})

	return firstErr(
		saveRecord(s.persist, RecordChallenges, s.active),
		saveRecord(s.persist, RecordChallengeProgress, s.progress),
	)
}

// Leave removes the store's user from the challenge and discards their
// progress record. It is a no-op when the user is not participating.
func (s *ChallengeStore) Leave(challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leftActive := false
	if i := s.activeIndex(challengeID); i >= 0 {
		leftActive = s.active[i].removeParticipant(s.opts.UserID)
	}
	// A retired copy keeps its row only while the progress record exists.
	leftCompleted := false
	for i := range s.completed {
		if s.completed[i].ID == challengeID && s.completed[i].removeParticipant(s.opts.UserID) {
			leftCompleted = true
		}
	}
	leftProgress := s.removeProgressLocked(challengeID)

	var errs []error
	if leftActive {
		errs = append(errs, saveRecord(s.persist, RecordChallenges, s.active))
	}
	if leftCompleted {
		errs = append(errs, saveRecord(s.persist, RecordCompletedChallenges, s.completed))
	}
	if leftProgress {
		errs = append(errs, saveRecord(s.persist, RecordChallengeProgress, s.progress))
	}
	return firstErr(errs...)
}

// UpdateProgress overwrites the user's progress on a challenge. Milestones
// whose threshold is now covered are achieved (once each). Reaching the goal
// completes the record once, emits EventChallengeCompleted and retires the
// challenge: it is deactivated and moved to the completed collection. The
// participant row mirrors the new value for the leaderboard.
//
// Calls without a progress record for the challenge are ignored.
func (s *ChallengeStore) UpdateProgress(challengeID string, progress int) error {
	s.mu.Lock()

	pi := s.progressIndex(challengeID)
	if pi < 0 {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	rec := &s.progress[pi]
	rec.CurrentProgress = progress
	achieved := achieveMilestones(rec.Milestones, progress, now)

	c := s.challengeLocked(challengeID)
	if c != nil {
		if j := c.participantIndex(s.opts.UserID); j >= 0 {
			c.Participants[j].Progress = progress
			c.Participants[j].LastUpdate = now
		}
	}

	var events []Event
	for _, m := range achieved {
		ev := newEvent(EventMilestoneAchieved, now)
		milestone := m
		ev.Milestone = &milestone
		if c != nil {
			snap := c.clone()
			ev.Challenge = &snap
		}
		events = append(events, ev)
	}

	if c != nil && !rec.IsCompleted && progress >= c.Goal {
		rec.IsCompleted = true
		completedAt := now
		rec.CompletedDate = &completedAt
		snap := s.retireLocked(challengeID)
		s.lastCompleted = &snap

		ev := newEvent(EventChallengeCompleted, now)
		evSnap := snap.clone()
		ev.Challenge = &evSnap
		events = append(events, ev)
	}

	err := s.saveLocked()
	s.mu.Unlock()

	dispatch(s.notifier, events)
	return err
}

// retireLocked deactivates the challenge and moves it from the active to the
// completed collection, returning a copy. A challenge that already left the
// active collection is returned as-is.
func (s *ChallengeStore) retireLocked(challengeID string) CommunityChallenge {
	if i := s.activeIndex(challengeID); i >= 0 {
		c := s.active[i]
		c.IsActive = false
		s.active = append(s.active[:i], s.active[i+1:]...)
		s.completed = append(s.completed, c)
		return c.clone()
	}
	if i := s.completedIndex(challengeID); i >= 0 {
		return s.completed[i].clone()
	}
	return CommunityChallenge{}
}

// SweepExpired deactivates every active challenge whose end date has passed.
// A copy of each one the user took part in is kept in the completed
// collection; all of them leave the active collection.
func (s *ChallengeStore) SweepExpired() error {
	s.mu.Lock()
	events := s.sweepLocked()
	var err error
	if len(events) > 0 {
		err = s.saveLocked()
	}
	s.mu.Unlock()

	dispatch(s.notifier, events)
	return err
}

func (s *ChallengeStore) sweepLocked() []Event {
	now := s.now()
	var events []Event
	kept := s.active[:0]
	for _, c := range s.active {
		if c.IsActive && c.EndDate.Before(now) {
			c.IsActive = false
			if c.hasParticipant(s.opts.UserID) {
				s.completed = append(s.completed, c.clone())
			}
			ev := newEvent(EventChallengeExpired, now)
			snap := c.clone()
			ev.Challenge = &snap
			events = append(events, ev)
		}
		if c.IsActive {
			kept = append(kept, c)
		}
	}
	s.active = kept
	return events
}

// Leaderboard returns the challenge's participants ordered by descending
// progress with Rank populated. Ties keep insertion order. Unknown
// challenges yield nil.
func (s *ChallengeStore) Leaderboard(challengeID string) []ChallengeParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.challengeLocked(challengeID)
	if c == nil {
		return nil
	}
	return rankParticipants(c.Participants)
}

// UserRank returns the 1-based leaderboard position of the store's user, or
// ok=false when they are not participating.
func (s *ChallengeStore) UserRank(challengeID string) (rank int, ok bool) {
	for _, p := range s.Leaderboard(challengeID) {
		if p.UserID == s.opts.UserID {
			return p.Rank, true
		}
	}
	return 0, false
}

func rankParticipants(participants []ChallengeParticipant) []ChallengeParticipant {
	out := append([]ChallengeParticipant(nil), participants...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Progress > out[j].Progress
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Get returns a copy of the challenge, searching active then completed.
func (s *ChallengeStore) Get(challengeID string) (CommunityChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.challengeLocked(challengeID)
	if c == nil {
		return CommunityChallenge{}, false
	}
	return c.clone(), true
}

// Active returns copies of the active challenges.
func (s *ChallengeStore) Active() []CommunityChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneChallenges(s.active)
}

// Completed returns copies of the completed and expired-with-participation
// challenges, oldest first.
func (s *ChallengeStore) Completed() []CommunityChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneChallenges(s.completed)
}

// UserProgress returns a copy of the user's progress record.
func (s *ChallengeStore) UserProgress(challengeID string) (UserChallengeProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.progressIndex(challengeID)
	if i < 0 {
		return UserChallengeProgress{}, false
	}
	return s.progress[i].clone(), true
}

// IsParticipating reports whether the user has joined the challenge.
func (s *ChallengeStore) IsParticipating(challengeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.challengeLocked(challengeID)
	return c != nil && c.hasParticipant(s.opts.UserID)
}

// LastCompleted returns the most recently completed challenge since startup
// or reset.
func (s *ChallengeStore) LastCompleted() (CommunityChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCompleted == nil {
		return CommunityChallenge{}, false
	}
	return s.lastCompleted.clone(), true
}

// Reset discards every challenge, progress record and completion and erases
// the persisted records. Defaults are reinstalled on the next startup.
func (s *ChallengeStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.progress = nil
	s.completed = nil
	s.lastCompleted = nil
	return firstErr(
		deleteRecord(s.persist, RecordChallenges),
		deleteRecord(s.persist, RecordChallengeProgress),
		deleteRecord(s.persist, RecordCompletedChallenges),
	)
}

func (s *ChallengeStore) saveLocked() error {
	return firstErr(
		saveRecord(s.persist, RecordChallenges, s.active),
		saveRecord(s.persist, RecordChallengeProgress, s.progress),
		saveRecord(s.persist, RecordCompletedChallenges, s.completed),
	)
}

func (s *ChallengeStore) activeIndex(id string) int {
	for i := range s.active {
		if s.active[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ChallengeStore) completedIndex(id string) int {
	for i := range s.completed {
		if s.completed[i].ID == id {
			return i
		}
	}
	return -1
}

// challengeLocked returns a pointer to the canonical entry for id: the active
// one if present, otherwise the latest completed copy.
func (s *ChallengeStore) challengeLocked(id string) *CommunityChallenge {
	if i := s.activeIndex(id); i >= 0 {
		return &s.active[i]
	}
	for i := len(s.completed) - 1; i >= 0; i-- {
		if s.completed[i].ID == id {
			return &s.completed[i]
		}
	}
	return nil
}

func (s *ChallengeStore) progressIndex(challengeID string) int {
	for i := range s.progress {
		if s.progress[i].ChallengeID == challengeID && s.progress[i].UserID == s.opts.UserID {
			return i
		}
	}
	return -1
}

func (s *ChallengeStore) removeProgressLocked(challengeID string) bool {
	removed := false
	kept := s.progress[:0]
	for _, p := range s.progress {
		if p.ChallengeID == challengeID && p.UserID == s.opts.UserID {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	s.progress = kept
	return removed
}

func cloneChallenges(in []CommunityChallenge) []CommunityChallenge {
	out := make([]CommunityChallenge, len(in))
	for i, c := range in {
		out[i] = c.clone()
	}
	return out
}

// ── Default challenges ─────────────────────────────────────────────────────

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns Monday 00:00 of the week containing t, in t's location.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func defaultChallenges(now time.Time) []CommunityChallenge {
	day := startOfDay(now)
	week := startOfWeek(now)
	month := startOfMonth(now)

	challenges := []CommunityChallenge{
		{
			Title:       "Daily Productivity Sprint",
			Description: "Complete 5 quests today and earn bonus XP!",
			Category:    ChallengeDaily, Difficulty: DifficultyEasy, Type: ChallengeQuestCount,
			StartDate: day, EndDate: day.AddDate(0, 0, 1),
			Goal: 5, Unit: "quests",
			Reward: ChallengeReward{XP: 200, Badge: "daily_warrior", Title: "Daily Warrior"},
			Rules: []string{
				"Complete any 5 quests today",
				"Quests must be marked complete before midnight",
				"All difficulty levels count",
			},
		},
		{
			Title:       "Focus Week Marathon",
			Description: "Accumulate 20 hours of focus time this week",
			Category:    ChallengeWeekly, Difficulty: DifficultyMedium, Type: ChallengeFocusTime,
			StartDate: week, EndDate: week.AddDate(0, 0, 7),
			Goal: 20, Unit: "hours",
			Reward: ChallengeReward{
				XP: 500, Badge: "focus_master", Title: "Focus Master",
				BonusRewards: []string{"Unlock special focus theme"},
			},
			Rules: []string{
				"Use the Focus Timer to track time",
				"Breaks don't count toward the goal",
				"All timer modes are eligible",
			},
		},
		{
			Title:       "Streak Survivor",
			Description: "Maintain a 30-day streak this month",
			Category:    ChallengeMonthly, Difficulty: DifficultyHard, Type: ChallengeStreakDays,
			StartDate: month, EndDate: month.AddDate(0, 1, 0),
			Goal: 30, Unit: "days",
			Reward: ChallengeReward{
				XP: 1000, Badge: "streak_legend", Title: "Streak Legend",
				BonusRewards: []string{"Exclusive avatar frame", "Double XP weekend"},
			},
			Rules: []string{
				"Complete at least one quest each day",
				"Streak resets if you miss a day",
				"No skip days allowed",
			},
		},
	}
	for i := range challenges {
		challenges[i].ID = uuid.NewString()
		challenges[i].IsActive = true
		challenges[i].CreatedBy = "MindLabs Team"
		challenges[i].Participants = demoParticipants(now)
	}
	return challenges
}

func demoParticipants(now time.Time) []ChallengeParticipant {
	return []ChallengeParticipant{
		{UserID: "demo1", Username: "QuestMaster", Avatar: "🧙‍♂️", Progress: 40 + rand.IntN(51), JoinedDate: now, LastUpdate: now},
		{UserID: "demo2", Username: "FocusNinja", Avatar: "🥷", Progress: 30 + rand.IntN(51), JoinedDate: now, LastUpdate: now},
		{UserID: "demo3", Username: "TaskHero", Avatar: "🦸‍♀️", Progress: 20 + rand.IntN(51), JoinedDate: now, LastUpdate: now},
	}
}

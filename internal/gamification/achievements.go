package gamification

import (
	"sync"
	"time"
)

// Category groups related achievements in the UI.
type Category string

const (
	CategoryQuests     Category = "Quests"
	CategoryStreaks    Category = "Streaks"
	CategoryLevels     Category = "Levels"
	CategoryFocus      Category = "Focus"
	CategoryCollection Category = "Collection"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryQuests, CategoryStreaks, CategoryLevels, CategoryFocus, CategoryCollection}

// Achievement is a single threshold rule plus its mutable progress state.
// Once IsUnlocked is true it only reverts through a catalog reset, and
// UnlockedDate is stamped exactly once at the transition.
type Achievement struct {
	Key           string     `json:"key"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Icon          string     `json:"icon"`
	Category      Category   `json:"category"`
	RequiredValue int        `json:"requiredValue"`
	Progress      int        `json:"progress"`
	IsUnlocked    bool       `json:"isUnlocked"`
	UnlockedDate  *time.Time `json:"unlockedDate,omitempty"`
}

// Fraction returns progress toward RequiredValue clamped to [0, 1].
func (a Achievement) Fraction() float64 {
	if a.IsUnlocked {
		return 1
	}
	if a.RequiredValue <= 0 {
		return 0
	}
	return min(max(float64(a.Progress)/float64(a.RequiredValue), 0), 1)
}

// AchievementStore owns the achievement catalog. All methods are safe for
// concurrent use; each mutation runs its evaluate-then-persist sequence
// under a single lock so an unlock event fires at most once per key.
type AchievementStore struct {
	mu           sync.Mutex
	catalog      []Achievement
	index        map[string]int
	lastUnlocked *Achievement

	persist  Persister
	notifier Notifier
	now      func() time.Time
}

// NewAchievementStore loads the catalog from p, seeding it when no record
// exists. A failed or undecodable load also falls back to the seed catalog;
// the returned error (a *PersistError) is informational only.
func NewAchievementStore(p Persister, n Notifier) (*AchievementStore, error) {
	if n == nil {
		n = nopNotifier{}
	}
	s := &AchievementStore{persist: p, notifier: n, now: time.Now}

	var stored []Achievement
	found, err := loadRecord(p, RecordAchievements, &stored)
	catalog := seedAchievements()
	if found {
		catalog = mergeCatalog(catalog, stored)
	}
	s.setCatalog(catalog)
	return s, err
}

// mergeCatalog takes definitions from seed and carries over the unlock state
// and progress saved in stored. Keys missing from stored start locked; keys
// no longer in seed are dropped.
func mergeCatalog(seed, stored []Achievement) []Achievement {
	saved := make(map[string]Achievement, len(stored))
	for _, a := range stored {
		saved[a.Key] = a
	}
	for i := range seed {
		prev, ok := saved[seed[i].Key]
		if !ok {
			continue
		}
		seed[i].IsUnlocked = prev.IsUnlocked
		seed[i].UnlockedDate = prev.UnlockedDate
		seed[i].Progress = prev.Progress
	}
	return seed
}

func (s *AchievementStore) setCatalog(catalog []Achievement) {
	s.catalog = catalog
	s.index = make(map[string]int, len(catalog))
	for i, a := range catalog {
		s.index[a.Key] = i
	}
}

// RecordMetric feeds the latest counter value for key. Progress is
// overwritten unconditionally. If the achievement is locked and value meets
// its threshold it unlocks, an EventAchievementUnlocked is emitted and the
// catalog is persisted. Unknown keys are ignored.
//
// The returned error is non-nil only when the best-effort save failed.
func (s *AchievementStore) RecordMetric(key string, value int) error {
	s.mu.Lock()
	i, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	a := &s.catalog[i]
	a.Progress = value

	if !crossed(a.IsUnlocked, value, a.RequiredValue) {
		s.mu.Unlock()
		return nil
	}

	now := s.now().UTC()
	a.IsUnlocked = true
	a.UnlockedDate = &now
	snapshot := *a
	s.lastUnlocked = &snapshot

	err := saveRecord(s.persist, RecordAchievements, s.catalog)
	s.mu.Unlock()

	ev := newEvent(EventAchievementUnlocked, now)
	unlocked := snapshot
	ev.Achievement = &unlocked
	s.notifier.Notify(ev)
	return err
}

// recordAll evaluates the same value against every key in order and returns
// the first persistence error.
func (s *AchievementStore) recordAll(value int, keys ...string) error {
	var errs []error
	for _, k := range keys {
		errs = append(errs, s.RecordMetric(k, value))
	}
	return firstErr(errs...)
}

// CheckQuests evaluates the completed-quest thresholds 1, 10, 50 and 100.
func (s *AchievementStore) CheckQuests(totalCompleted int) error {
	return s.recordAll(totalCompleted, "first_quest", "quest_10", "quest_50", "quest_100")
}

// CheckStreak evaluates the streak thresholds 3, 7 and 30.
func (s *AchievementStore) CheckStreak(currentStreak int) error {
	return s.recordAll(currentStreak, "streak_3", "streak_7", "streak_30")
}

// CheckLevel evaluates the level thresholds 5, 10 and 25.
func (s *AchievementStore) CheckLevel(currentLevel int) error {
	return s.recordAll(currentLevel, "level_5", "level_10", "level_25")
}

// CheckFocus evaluates the single-session and cumulative focus thresholds.
func (s *AchievementStore) CheckFocus(sessionMinutes, totalMinutes int) error {
	return firstErr(
		s.RecordMetric("focus_60", sessionMinutes),
		s.recordAll(totalMinutes, "focus_total_300", "focus_total_1000"),
	)
}

// CheckCollection evaluates the class and quest-category collection goals.
func (s *AchievementStore) CheckCollection(uniqueClasses, categoriesCompleted int) error {
	return firstErr(
		s.RecordMetric("all_classes", uniqueClasses),
		s.RecordMetric("all_categories", categoriesCompleted),
	)
}

// CheckQuestTiming credits early_bird for a quest finished before 08:00 and
// night_owl for one finished at or after 22:00 (local hour of completion).
func (s *AchievementStore) CheckQuestTiming(hour int) error {
	switch {
	case hour >= 0 && hour < 8:
		return s.RecordMetric("early_bird", 1)
	case hour >= 22 && hour < 24:
		return s.RecordMetric("night_owl", 1)
	}
	return nil
}

// CheckDailyQuests evaluates quests completed within the current day.
func (s *AchievementStore) CheckDailyQuests(completedToday int) error {
	return s.RecordMetric("speed_demon", completedToday)
}

// CheckPerfectWeek evaluates consecutive days with every daily quest done.
func (s *AchievementStore) CheckPerfectWeek(perfectDays int) error {
	return s.RecordMetric("perfect_week", perfectDays)
}

// CheckGold evaluates the accumulated gold balance.
func (s *AchievementStore) CheckGold(gold int) error {
	return s.RecordMetric("gold_hoarder", gold)
}

// CheckPomodoros evaluates the number of completed pomodoro sessions.
func (s *AchievementStore) CheckPomodoros(completed int) error {
	return s.RecordMetric("pomodoro_master", completed)
}

// CheckRoutineStreak evaluates consecutive days with all routines complete.
func (s *AchievementStore) CheckRoutineStreak(days int) error {
	return s.RecordMetric("routine_champion", days)
}

// Achievements returns a copy of the catalog in seed order.
func (s *AchievementStore) Achievements() []Achievement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Achievement, len(s.catalog))
	copy(out, s.catalog)
	return out
}

// Get returns a copy of the achievement with the given key.
func (s *AchievementStore) Get(key string) (Achievement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return Achievement{}, false
	}
	return s.catalog[i], true
}

// LastUnlocked returns the most recent unlock since startup or reset.
func (s *AchievementStore) LastUnlocked() (Achievement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUnlocked == nil {
		return Achievement{}, false
	}
	return *s.lastUnlocked, true
}

// UnlockedCount returns the number of unlocked achievements.
func (s *AchievementStore) UnlockedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlockedCountLocked()
}

func (s *AchievementStore) unlockedCountLocked() int {
	n := 0
	for _, a := range s.catalog {
		if a.IsUnlocked {
			n++
		}
	}
	return n
}

// TotalCount returns the catalog size.
func (s *AchievementStore) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.catalog)
}

// ProgressPercentage returns unlocked/total as a fraction in [0, 1]. An
// empty catalog reports 0.
func (s *AchievementStore) ProgressPercentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.catalog) == 0 {
		return 0
	}
	return float64(s.unlockedCountLocked()) / float64(len(s.catalog))
}

// Grouped returns the catalog bucketed by category, preserving seed order
// within each bucket.
func (s *AchievementStore) Grouped() map[Category][]Achievement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Category][]Achievement)
	for _, a := range s.catalog {
		out[a.Category] = append(out[a.Category], a)
	}
	return out
}

// Reset replaces the catalog with fresh seed state, clears the last-unlock
// selection and erases the persisted record. It cannot be undone.
func (s *AchievementStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCatalog(seedAchievements())
	s.lastUnlocked = nil
	return deleteRecord(s.persist, RecordAchievements)
}

// seedAchievements returns the fixed catalog shipped with the application.
func seedAchievements() []Achievement {
	return []Achievement{

		// ── Quests ─────────────────────────────────────────────────────────

		{Key: "first_quest", Title: "First Steps", Description: "Complete your first quest", Icon: "🎯", RequiredValue: 1, Category: CategoryQuests},
		{Key: "quest_10", Title: "Adventurer", Description: "Complete 10 quests", Icon: "⚔️", RequiredValue: 10, Category: CategoryQuests},
		{Key: "quest_50", Title: "Quest Master", Description: "Complete 50 quests", Icon: "🗡️", RequiredValue: 50, Category: CategoryQuests},
		{Key: "quest_100", Title: "Legendary Hero", Description: "Complete 100 quests", Icon: "🏆", RequiredValue: 100, Category: CategoryQuests},

		// ── Streaks ────────────────────────────────────────────────────────

		{Key: "streak_3", Title: "Warming Up", Description: "Maintain a 3-day streak", Icon: "🔥", RequiredValue: 3, Category: CategoryStreaks},
		{Key: "streak_7", Title: "Week Warrior", Description: "Maintain a 7-day streak", Icon: "🔥🔥", RequiredValue: 7, Category: CategoryStreaks},
		{Key: "streak_30", Title: "Unstoppable", Description: "Maintain a 30-day streak", Icon: "🔥🔥🔥", RequiredValue: 30, Category: CategoryStreaks},

		// ── Levels ─────────────────────────────────────────────────────────

		{Key: "level_5", Title: "Rising Star", Description: "Reach level 5", Icon: "⭐", RequiredValue: 5, Category: CategoryLevels},
		{Key: "level_10", Title: "Seasoned Adventurer", Description: "Reach level 10", Icon: "🌟", RequiredValue: 10, Category: CategoryLevels},
		{Key: "level_25", Title: "Epic Hero", Description: "Reach level 25", Icon: "💫", RequiredValue: 25, Category: CategoryLevels},

		// ── Focus ──────────────────────────────────────────────────────────

		{Key: "focus_60", Title: "Deep Focus", Description: "Complete a 60-minute focus session", Icon: "🧘", RequiredValue: 60, Category: CategoryFocus},
		{Key: "focus_total_300", Title: "Focus Master", Description: "Focus for 300 minutes total", Icon: "🎯", RequiredValue: 300, Category: CategoryFocus},
		{Key: "focus_total_1000", Title: "Zen Master", Description: "Focus for 1000 minutes total", Icon: "🧘‍♂️", RequiredValue: 1000, Category: CategoryFocus},

		// ── Collection ─────────────────────────────────────────────────────

		{Key: "all_classes", Title: "Jack of All Trades", Description: "Try all character classes", Icon: "🎭", RequiredValue: 6, Category: CategoryCollection},
		{Key: "all_categories", Title: "Well Rounded", Description: "Complete quests in all categories", Icon: "🌈", RequiredValue: 6, Category: CategoryCollection},

		// ── Extras ─────────────────────────────────────────────────────────

		{Key: "early_bird", Title: "Early Bird", Description: "Complete a quest before 8 AM", Icon: "🌅", RequiredValue: 1, Category: CategoryQuests},
		{Key: "night_owl", Title: "Night Owl", Description: "Complete a quest after 10 PM", Icon: "🦉", RequiredValue: 1, Category: CategoryQuests},
		{Key: "perfect_week", Title: "Perfect Week", Description: "Complete all daily quests for 7 days", Icon: "✨", RequiredValue: 7, Category: CategoryQuests},
		{Key: "speed_demon", Title: "Speed Demon", Description: "Complete 5 quests in one day", Icon: "⚡", RequiredValue: 5, Category: CategoryQuests},
		{Key: "gold_hoarder", Title: "Gold Hoarder", Description: "Accumulate 1000 gold", Icon: "💰", RequiredValue: 1000, Category: CategoryCollection},
		{Key: "pomodoro_master", Title: "Pomodoro Master", Description: "Complete 25 Pomodoro sessions", Icon: "🍅", RequiredValue: 25, Category: CategoryFocus},
		{Key: "routine_champion", Title: "Routine Champion", Description: "Complete all routines for 7 days straight", Icon: "🏅", RequiredValue: 7, Category: CategoryStreaks},
	}
}

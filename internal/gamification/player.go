package gamification

import (
	"sort"
	"time"
)

// statsVersion is bumped when the PlayerStats schema changes.
const statsVersion = 1

// Leveling constants. Reaching level L+1 from L costs L*xpPerLevel XP and
// pays L+1 times levelUpGoldPerLevel gold.
const (
	xpPerLevel          = 100
	levelUpGoldPerLevel = 10
	startingGold        = 100
)

// PlayerStats is the aggregate gameplay state the tracker reduces events
// into. Every counter it exposes is monotonic or explicitly reset by a
// gameplay rule (a broken streak), which is what the achievement and
// challenge stores expect to be fed.
type PlayerStats struct {
	Version int `json:"version"`

	Level    int `json:"level"`
	XP       int `json:"xp"`
	XPToNext int `json:"xpToNext"`
	TotalXP  int `json:"totalXp"`
	Gold     int `json:"gold"`

	// Quest counters
	TotalQuestsCompleted int             `json:"totalQuestsCompleted"`
	QuestsToday          int             `json:"questsToday"`
	QuestDay             string          `json:"questDay,omitempty"` // YYYY-MM-DD of QuestsToday
	CategoriesCompleted  map[string]bool `json:"categoriesCompleted"`

	// Streaks
	Streak        int `json:"streak"`
	PerfectDays   int `json:"perfectDays"`
	RoutineStreak int `json:"routineStreak"`

	// Focus
	TotalFocusMinutes  int `json:"totalFocusMinutes"`
	PomodorosCompleted int `json:"pomodorosCompleted"`
	// ChallengeFocusMinutes accumulates focus minutes per Focus Time
	// progress record so hour-denominated goals do not lose partial hours.
	// Keyed by record ID, so a rejoin starts from zero.
	ChallengeFocusMinutes map[string]int `json:"challengeFocusMinutes"`

	ClassesPlayed map[string]bool `json:"classesPlayed"`

	LastUpdated time.Time `json:"lastUpdated"`
}

func newPlayerStats() *PlayerStats {
	st := &PlayerStats{
		Version:  statsVersion,
		Level:    1,
		XPToNext: xpPerLevel,
		Gold:     startingGold,
	}
	st.initMaps()
	return st
}

// initMaps ensures all map fields are non-nil after deserialization.
func (st *PlayerStats) initMaps() {
	if st.CategoriesCompleted == nil {
		st.CategoriesCompleted = make(map[string]bool)
	}
	if st.ClassesPlayed == nil {
		st.ClassesPlayed = make(map[string]bool)
	}
	if st.ChallengeFocusMinutes == nil {
		st.ChallengeFocusMinutes = make(map[string]int)
	}
	if st.Level < 1 {
		st.Level = 1
	}
	if st.XPToNext <= 0 {
		st.XPToNext = st.Level * xpPerLevel
	}
}

// clone returns a deep copy with all maps duplicated.
func (st *PlayerStats) clone() *PlayerStats {
	cp := *st
	cp.CategoriesCompleted = make(map[string]bool, len(st.CategoriesCompleted))
	for k, v := range st.CategoriesCompleted {
		cp.CategoriesCompleted[k] = v
	}
	cp.ClassesPlayed = make(map[string]bool, len(st.ClassesPlayed))
	for k, v := range st.ClassesPlayed {
		cp.ClassesPlayed[k] = v
	}
	cp.ChallengeFocusMinutes = make(map[string]int, len(st.ChallengeFocusMinutes))
	for k, v := range st.ChallengeFocusMinutes {
		cp.ChallengeFocusMinutes[k] = v
	}
	return &cp
}

// SortedClasses returns the played classes in alphabetical order.
func (st *PlayerStats) SortedClasses() []string {
	out := make([]string, 0, len(st.ClassesPlayed))
	for c := range st.ClassesPlayed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// awardXP adds amount and levels up as many times as the balance allows.
// It returns the number of levels gained.
func (st *PlayerStats) awardXP(amount int) int {
	if amount <= 0 {
		return 0
	}
	st.XP += amount
	st.TotalXP += amount
	gained := 0
	for st.XP >= st.XPToNext {
		st.XP -= st.XPToNext
		st.Level++
		st.XPToNext = st.Level * xpPerLevel
		st.Gold += st.Level * levelUpGoldPerLevel
		gained++
	}
	return gained
}

// recordQuestDay advances the per-day quest counter and the daily streak for
// a quest completed at t. A completion on the day after the last one extends
// the streak; a gap of more than a day restarts it at 1.
func (st *PlayerStats) recordQuestDay(t time.Time) {
	today := t.Format(time.DateOnly)
	if st.QuestDay == today {
		st.QuestsToday++
		return
	}
	yesterday := t.AddDate(0, 0, -1).Format(time.DateOnly)
	if st.QuestDay == yesterday {
		st.Streak++
	} else {
		st.Streak = 1
	}
	st.QuestDay = today
	st.QuestsToday = 1
}

// GameplayEventType classifies gameplay events fed to the Tracker.
type GameplayEventType string

const (
	QuestCompleted   GameplayEventType = "quest_completed"
	StreakUpdated    GameplayEventType = "streak_updated"
	FocusEnded       GameplayEventType = "focus_ended"
	ClassPlayed      GameplayEventType = "class_played"
	RoutinesComplete GameplayEventType = "routines_completed"
	PerfectDay       GameplayEventType = "perfect_day"
)

// Valid reports whether t is a known event type.
func (t GameplayEventType) Valid() bool {
	switch t {
	case QuestCompleted, StreakUpdated, FocusEnded, ClassPlayed, RoutinesComplete, PerfectDay:
		return true
	}
	return false
}

// GameplayEvent is a single observation from the game loop. Only the fields
// relevant to Type are read.
type GameplayEvent struct {
	Type GameplayEventType `json:"type"`
	At   time.Time         `json:"at"`

	// QuestCompleted
	XP       int    `json:"xp,omitempty"`
	Gold     int    `json:"gold,omitempty"`
	Category string `json:"category,omitempty"`

	// FocusEnded
	Minutes  int  `json:"minutes,omitempty"`
	Pomodoro bool `json:"pomodoro,omitempty"`

	// StreakUpdated, RoutinesComplete
	Days int `json:"days,omitempty"`

	// ClassPlayed
	Class string `json:"class,omitempty"`
}

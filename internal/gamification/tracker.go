package gamification

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	saveInterval         = 30 * time.Second
	defaultSweepInterval = time.Minute
	eventBuffer          = 256
)

// Tracker is the single writer that reduces gameplay events into
// PlayerStats and pushes the resulting counters into the achievement and
// challenge stores. Events arrive on a channel; stats are persisted on a
// timer when dirty and once more on shutdown. The challenge expiry sweep
// runs on its own timer.
type Tracker struct {
	persist      Persister
	achievements *AchievementStore
	challenges   *ChallengeStore
	notifier     Notifier

	mu     sync.Mutex
	stats  *PlayerStats
	dirty  bool
	events chan GameplayEvent

	sweepInterval time.Duration
	now           func() time.Time
	onPersistErr  func(error)
}

// NewTracker loads PlayerStats from p and returns a Tracker along with the
// send-only channel producers deliver events on. The caller must run Run in
// a goroutine. A non-positive sweepInterval selects the default.
func NewTracker(p Persister, achievements *AchievementStore, challenges *ChallengeStore, n Notifier, sweepInterval time.Duration) (*Tracker, chan<- GameplayEvent, error) {
	if n == nil {
		n = nopNotifier{}
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	stats := newPlayerStats()
	found, err := loadRecord(p, RecordPlayerStats, stats)
	if !found {
		stats = newPlayerStats()
	}
	stats.initMaps()

	ch := make(chan GameplayEvent, eventBuffer)
	t := &Tracker{
		persist:       p,
		achievements:  achievements,
		challenges:    challenges,
		notifier:      n,
		stats:         stats,
		events:        ch,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
	return t, ch, err
}

// Submit enqueues ev without blocking. It reports false when the buffer is
// full and the event was dropped.
func (t *Tracker) Submit(ev GameplayEvent) bool {
	select {
	case t.events <- ev:
		return true
	default:
		return false
	}
}

// Run processes events, sweeps expired challenges and periodically saves
// dirty stats. It blocks until ctx is cancelled, then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	saveTicker := time.NewTicker(saveInterval)
	defer saveTicker.Stop()
	sweepTicker := time.NewTicker(t.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.save()
			return
		case ev := <-t.events:
			t.processEvent(ev)
		case <-saveTicker.C:
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if dirty {
				t.save()
			}
		case <-sweepTicker.C:
			t.report("challenge sweep", t.challenges.SweepExpired())
		}
	}
}

// OnPersistError registers fn to observe every best-effort persistence
// failure the tracker encounters. Must be called before Run.
func (t *Tracker) OnPersistError(fn func(error)) {
	t.onPersistErr = fn
}

// Stats returns a deep copy of the current player stats.
func (t *Tracker) Stats() *PlayerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

// Reset restores default player stats and erases the persisted record.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = newPlayerStats()
	t.dirty = false
	return deleteRecord(t.persist, RecordPlayerStats)
}

// challengeDelta is a pending progress change for one joined challenge.
type challengeDelta struct {
	id       string
	progress int
}

func (t *Tracker) processEvent(ev GameplayEvent) {
	if ev.At.IsZero() {
		ev.At = t.now()
	}

	t.mu.Lock()
	st := t.stats
	levelsGained := 0
	streakChanged := false

	switch ev.Type {
	case QuestCompleted:
		st.TotalQuestsCompleted++
		if ev.Category != "" {
			st.CategoriesCompleted[ev.Category] = true
		}
		prevStreak := st.Streak
		st.recordQuestDay(ev.At)
		streakChanged = st.Streak != prevStreak
		st.Gold += ev.Gold
		levelsGained = st.awardXP(ev.XP)

	case StreakUpdated:
		streakChanged = st.Streak != ev.Days
		st.Streak = ev.Days

	case FocusEnded:
		st.TotalFocusMinutes += ev.Minutes
		if ev.Pomodoro {
			st.PomodorosCompleted++
		}

	case ClassPlayed:
		if ev.Class != "" {
			st.ClassesPlayed[ev.Class] = true
		}

	case RoutinesComplete:
		st.RoutineStreak = ev.Days

	case PerfectDay:
		st.PerfectDays++

	default:
		t.mu.Unlock()
		slog.Warn("ignoring unknown gameplay event", "type", ev.Type)
		return
	}

	deltas := t.challengeDeltasLocked(ev, streakChanged)
	snapshot := st.clone()
	t.dirty = true
	t.mu.Unlock()

	t.checkAchievements(ev, snapshot, levelsGained > 0, streakChanged)

	for _, d := range deltas {
		t.report("challenge progress", t.challenges.UpdateProgress(d.id, d.progress))
	}

	statsEv := newEvent(EventStatsUpdated, ev.At)
	statsEv.Stats = snapshot
	t.notifier.Notify(statsEv)
}

// checkAchievements feeds the counters touched by ev into the achievement
// store. It runs outside the tracker lock; the store serializes itself.
func (t *Tracker) checkAchievements(ev GameplayEvent, st *PlayerStats, leveled, streakChanged bool) {
	a := t.achievements
	switch ev.Type {
	case QuestCompleted:
		t.report("quest achievements", a.CheckQuests(st.TotalQuestsCompleted))
		t.report("collection achievements", a.CheckCollection(len(st.ClassesPlayed), len(st.CategoriesCompleted)))
		t.report("timing achievements", a.CheckQuestTiming(ev.At.Hour()))
		t.report("daily achievements", a.CheckDailyQuests(st.QuestsToday))
		t.report("gold achievements", a.CheckGold(st.Gold))
	case FocusEnded:
		t.report("focus achievements", a.CheckFocus(ev.Minutes, st.TotalFocusMinutes))
		if ev.Pomodoro {
			t.report("pomodoro achievements", a.CheckPomodoros(st.PomodorosCompleted))
		}
	case ClassPlayed:
		t.report("collection achievements", a.CheckCollection(len(st.ClassesPlayed), len(st.CategoriesCompleted)))
	case RoutinesComplete:
		t.report("routine achievements", a.CheckRoutineStreak(st.RoutineStreak))
	case PerfectDay:
		t.report("perfect week achievements", a.CheckPerfectWeek(st.PerfectDays))
	}
	if streakChanged {
		t.report("streak achievements", a.CheckStreak(st.Streak))
	}
	if leveled {
		t.report("level achievements", a.CheckLevel(st.Level))
	}
}

// challengeDeltasLocked computes the new progress value for every active
// challenge the player has joined whose type ev contributes to.
func (t *Tracker) challengeDeltasLocked(ev GameplayEvent, streakChanged bool) []challengeDelta {
	var out []challengeDelta
	live := make(map[string]bool)
	for _, c := range t.challenges.Active() {
		rec, ok := t.challenges.UserProgress(c.ID)
		if !ok || rec.IsCompleted {
			continue
		}
		live[rec.ID] = true
		cur := rec.CurrentProgress
		next := cur

		switch {
		case c.Type == ChallengeQuestCount && ev.Type == QuestCompleted:
			next = cur + 1
		case c.Type == ChallengeSpecificCategory && ev.Type == QuestCompleted:
			if c.TargetCategory == "" || c.TargetCategory == ev.Category {
				next = cur + 1
			}
		case c.Type == ChallengeXPEarned && ev.Type == QuestCompleted:
			next = cur + ev.XP
		case c.Type == ChallengeFocusTime && ev.Type == FocusEnded:
			t.stats.ChallengeFocusMinutes[rec.ID] += ev.Minutes
			mins := t.stats.ChallengeFocusMinutes[rec.ID]
			if c.Unit == "hours" {
				next = mins / 60
			} else {
				next = mins
			}
		case c.Type == ChallengeStreakDays && streakChanged:
			next = t.stats.Streak
		}

		if next != cur {
			out = append(out, challengeDelta{id: c.ID, progress: next})
		}
	}
	for id := range t.stats.ChallengeFocusMinutes {
		if !live[id] {
			delete(t.stats.ChallengeFocusMinutes, id)
		}
	}
	return out
}

func (t *Tracker) report(what string, err error) {
	if err == nil {
		return
	}
	slog.Warn("best-effort save failed", "op", what, "error", err)
	if t.onPersistErr != nil {
		t.onPersistErr(err)
	}
}

func (t *Tracker) save() {
	t.mu.Lock()
	stats := t.stats.clone()
	stats.Version = statsVersion
	stats.LastUpdated = t.now().UTC()
	t.dirty = false
	t.mu.Unlock()

	t.report("player stats", saveRecord(t.persist, RecordPlayerStats, stats))
}

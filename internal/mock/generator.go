package mock

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mindlabs/quest-engine/internal/gamification"
)

// Sink accepts gameplay events. *gamification.Tracker satisfies it.
type Sink interface {
	Submit(ev gamification.GameplayEvent) bool
}

var (
	questCategories = []string{"Work", "Health", "Learning", "Social", "Creative", "Mindfulness"}
	heroClasses     = []string{"Warrior", "Mage", "Rogue", "Cleric", "Ranger", "Bard"}
)

const (
	// simStep is how far the simulated clock advances per tick, so a demo
	// crosses day boundaries (and early/late hours) within a few minutes.
	simStep = 47 * time.Minute

	defaultInterval = 2 * time.Second
)

// Generator plays a synthetic player: quests through the day, the odd focus
// session, class switches, and end-of-day routine and perfect-day reports.
type Generator struct {
	sink     Sink
	interval time.Duration
	rng      *rand.Rand

	sim          time.Time
	questsToday  int
	routineDays  int
	classIdx     int
	pomodoroNext bool

	dropped int
}

// NewGenerator returns a generator feeding sink every interval. The same
// seed always produces the same event sequence.
func NewGenerator(sink Sink, interval time.Duration, seed uint64) *Generator {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Generator{
		sink:     sink,
		interval: interval,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		sim:      time.Now(),
	}
}

// Start emits a class selection immediately, then runs the tick loop in a
// goroutine until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	g.emit(gamification.GameplayEvent{
		Type:  gamification.ClassPlayed,
		At:    g.sim,
		Class: heroClasses[0],
	})
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if g.dropped > 0 {
				slog.Info("mock generator stopped", "dropped", g.dropped)
			}
			return
		case <-ticker.C:
			for _, ev := range g.step() {
				g.emit(ev)
			}
		}
	}
}

func (g *Generator) emit(ev gamification.GameplayEvent) {
	if !g.sink.Submit(ev) {
		g.dropped++
	}
}

// step advances the simulated clock one tick and returns the events that
// tick produced.
func (g *Generator) step() []gamification.GameplayEvent {
	prev := g.sim
	g.sim = g.sim.Add(simStep)

	var out []gamification.GameplayEvent
	if g.sim.YearDay() != prev.YearDay() {
		out = append(out, g.endOfDay(prev)...)
	}

	// Nobody quests between 1am and 5am.
	if h := g.sim.Hour(); h >= 1 && h < 5 {
		return out
	}

	switch roll := g.rng.IntN(100); {
	case roll < 55:
		out = append(out, g.quest())
	case roll < 65:
		// Burst: a handful of quick wins back to back.
		for i := 0; i < 2+g.rng.IntN(3); i++ {
			out = append(out, g.quest())
		}
	case roll < 85:
		out = append(out, g.focus())
	case roll < 92:
		g.classIdx = (g.classIdx + 1) % len(heroClasses)
		out = append(out, gamification.GameplayEvent{
			Type:  gamification.ClassPlayed,
			At:    g.sim,
			Class: heroClasses[g.classIdx],
		})
	}
	return out
}

func (g *Generator) quest() gamification.GameplayEvent {
	g.questsToday++
	return gamification.GameplayEvent{
		Type:     gamification.QuestCompleted,
		At:       g.sim,
		XP:       10 + 5*g.rng.IntN(9),
		Gold:     5 + g.rng.IntN(20),
		Category: questCategories[g.rng.IntN(len(questCategories))],
	}
}

func (g *Generator) focus() gamification.GameplayEvent {
	ev := gamification.GameplayEvent{
		Type:     gamification.FocusEnded,
		At:       g.sim,
		Minutes:  15 + 5*g.rng.IntN(10),
		Pomodoro: g.pomodoroNext,
	}
	if ev.Pomodoro {
		ev.Minutes = 25
	}
	g.pomodoroNext = !g.pomodoroNext
	return ev
}

// endOfDay reports routines and perfect days for the day that just ended.
func (g *Generator) endOfDay(day time.Time) []gamification.GameplayEvent {
	at := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 0, 0, day.Location())

	var out []gamification.GameplayEvent
	if g.questsToday > 0 {
		g.routineDays++
	} else {
		g.routineDays = 0
	}
	out = append(out, gamification.GameplayEvent{
		Type: gamification.RoutinesComplete,
		At:   at,
		Days: g.routineDays,
	})
	if g.questsToday >= 5 {
		out = append(out, gamification.GameplayEvent{Type: gamification.PerfectDay, At: at})
	}
	g.questsToday = 0
	return out
}

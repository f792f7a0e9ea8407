package gamification

import (
	"errors"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 5, 13, 10, 0, 0, 0, time.UTC) // a Wednesday

func newTestChallenges(t *testing.T, opts ChallengeOptions) (*ChallengeStore, *memPersister, *recorder, *fixedClock) {
	t.Helper()
	p := newMemPersister()
	rec := &recorder{}
	clock := &fixedClock{t: testEpoch}
	s, err := newChallengeStore(p, rec, opts, clock.Now)
	if err != nil {
		t.Fatalf("newChallengeStore() error: %v", err)
	}
	return s, p, rec, clock
}

func testChallenge(goal int, participants ...ChallengeParticipant) CommunityChallenge {
	return CommunityChallenge{
		Title:        "Test Sprint",
		Category:     ChallengeWeekly,
		Difficulty:   DifficultyMedium,
		Type:         ChallengeQuestCount,
		StartDate:    testEpoch.Add(-time.Hour),
		EndDate:      testEpoch.Add(48 * time.Hour),
		Goal:         goal,
		Unit:         "quests",
		Reward:       ChallengeReward{XP: 300},
		Participants: participants,
	}
}

func mustAdd(t *testing.T, s *ChallengeStore, c CommunityChallenge) CommunityChallenge {
	t.Helper()
	added, err := s.Add(c)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	return added
}

func TestNewChallengeStore_SeedsDefaults(t *testing.T) {
	s, p, _, _ := newTestChallenges(t, ChallengeOptions{SeedDefaults: true})

	active := s.Active()
	if len(active) != 3 {
		t.Fatalf("Active() = %d challenges, want 3", len(active))
	}
	byCategory := make(map[ChallengeCategory]CommunityChallenge)
	for _, c := range active {
		if !c.IsActive {
			t.Errorf("%s seeded inactive", c.Title)
		}
		if c.ID == "" {
			t.Errorf("%s seeded without ID", c.Title)
		}
		if c.hasParticipant(DefaultUserID) {
			t.Errorf("%s seeded with the local user already joined", c.Title)
		}
		byCategory[c.Category] = c
	}

	daily := byCategory[ChallengeDaily]
	if daily.Goal != 5 || daily.Type != ChallengeQuestCount {
		t.Errorf("daily = goal %d type %s", daily.Goal, daily.Type)
	}
	if !daily.StartDate.Equal(time.Date(2026, 5, 13, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily starts %v", daily.StartDate)
	}

	weekly := byCategory[ChallengeWeekly]
	if weekly.Goal != 20 || weekly.Unit != "hours" {
		t.Errorf("weekly = goal %d unit %s", weekly.Goal, weekly.Unit)
	}
	if weekly.StartDate.Weekday() != time.Monday {
		t.Errorf("weekly starts on %s, want Monday", weekly.StartDate.Weekday())
	}

	monthly := byCategory[ChallengeMonthly]
	if monthly.Goal != 30 || monthly.Type != ChallengeStreakDays {
		t.Errorf("monthly = goal %d type %s", monthly.Goal, monthly.Type)
	}
	if !monthly.EndDate.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("monthly ends %v", monthly.EndDate)
	}

	if !p.has(RecordChallenges) {
		t.Error("seeded challenges were not persisted")
	}
}

func TestNewChallengeStore_CorruptRecordFallsBackToSeed(t *testing.T) {
	p := newMemPersister()
	p.records[RecordChallenges] = []byte(`[{"id":"x","goal":"bad","isActive":true}]`)
	p.records[RecordCompletedChallenges] = []byte(`{not json`)

	s, err := newChallengeStore(p, nil, ChallengeOptions{SeedDefaults: true}, (&fixedClock{t: testEpoch}).Now)
	var perr *PersistError
	if !errors.As(err, &perr) || perr.Record != RecordChallenges {
		t.Fatalf("expected *PersistError for %s, got %v", RecordChallenges, err)
	}
	active := s.Active()
	if len(active) != 3 {
		t.Fatalf("Active() = %d challenges, want the 3 seeded", len(active))
	}
	for _, c := range active {
		if c.ID == "x" {
			t.Error("partially decoded challenge kept")
		}
	}
	if n := len(s.Completed()); n != 0 {
		t.Errorf("Completed() = %d, want 0", n)
	}
}

func TestNewChallengeStore_NoSeedWithoutOption(t *testing.T) {
	s, p, _, _ := newTestChallenges(t, ChallengeOptions{})
	if n := len(s.Active()); n != 0 {
		t.Errorf("Active() = %d, want 0", n)
	}
	if p.has(RecordChallenges) {
		t.Error("empty store should not write")
	}
}

func TestAdd_Validation(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})

	tests := []struct {
		name   string
		mutate func(*CommunityChallenge)
	}{
		{"zero goal", func(c *CommunityChallenge) { c.Goal = 0 }},
		{"negative goal", func(c *CommunityChallenge) { c.Goal = -4 }},
		{"end before start", func(c *CommunityChallenge) { c.EndDate = c.StartDate.Add(-time.Minute) }},
		{"end equals start", func(c *CommunityChallenge) { c.EndDate = c.StartDate }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testChallenge(10)
			tt.mutate(&c)
			if _, err := s.Add(c); !errors.Is(err, ErrInvalidChallenge) {
				t.Errorf("Add() error = %v, want ErrInvalidChallenge", err)
			}
		})
	}

	added := mustAdd(t, s, testChallenge(10))
	if added.ID == "" || !added.IsActive {
		t.Errorf("Add() = %+v", added)
	}
	dup := testChallenge(10)
	dup.ID = added.ID
	if _, err := s.Add(dup); !errors.Is(err, ErrInvalidChallenge) {
		t.Errorf("duplicate Add() error = %v", err)
	}
	if n := len(s.Active()); n != 1 {
		t.Errorf("Active() = %d, want 1", n)
	}
}

func TestJoin_CreatesProgressWithMilestones(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(20))

	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if !s.IsParticipating(c.ID) {
		t.Fatal("user not participating after Join")
	}

	prog, ok := s.UserProgress(c.ID)
	if !ok {
		t.Fatal("no progress record after Join")
	}
	if prog.CurrentProgress != 0 || prog.IsCompleted {
		t.Errorf("fresh progress = %+v", prog)
	}
	want := []int{5, 10, 15, 20}
	if len(prog.Milestones) != len(want) {
		t.Fatalf("milestones = %d, want %d", len(prog.Milestones), len(want))
	}
	for i, m := range prog.Milestones {
		if m.Threshold != want[i] {
			t.Errorf("milestone %d threshold = %d, want %d", i, m.Threshold, want[i])
		}
		if m.IsAchieved {
			t.Errorf("milestone %d already achieved", i)
		}
	}
}

func TestJoin_DuplicateIgnored(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(20))

	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 7); err != nil {
		t.Fatal(err)
	}
	if err := s.Join(c.ID, "Hero again", "🦸"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(c.ID)
	if n := len(got.Participants); n != 1 {
		t.Errorf("participants = %d, want 1", n)
	}
	prog, _ := s.UserProgress(c.ID)
	if prog.CurrentProgress != 7 {
		t.Errorf("duplicate join reset progress to %d", prog.CurrentProgress)
	}
}

func TestJoin_UnknownChallengeIgnored(t *testing.T) {
	s, p, _, _ := newTestChallenges(t, ChallengeOptions{})
	if err := s.Join("missing", "Hero", "🦸"); err != nil {
		t.Errorf("Join(unknown) error = %v", err)
	}
	if _, ok := s.UserProgress("missing"); ok {
		t.Error("progress created for unknown challenge")
	}
	if p.has(RecordChallengeProgress) {
		t.Error("unknown join wrote progress")
	}
}

func TestLeaveThenJoin_FreshRecord(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(20))

	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 12); err != nil {
		t.Fatal(err)
	}
	first, _ := s.UserProgress(c.ID)

	if err := s.Leave(c.ID); err != nil {
		t.Fatal(err)
	}
	if s.IsParticipating(c.ID) {
		t.Error("still participating after Leave")
	}
	if _, ok := s.UserProgress(c.ID); ok {
		t.Error("progress survived Leave")
	}
	if err := s.Leave(c.ID); err != nil {
		t.Errorf("second Leave() error = %v", err)
	}

	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	second, ok := s.UserProgress(c.ID)
	if !ok {
		t.Fatal("no progress after rejoin")
	}
	if second.ID == first.ID {
		t.Error("rejoin reused the old progress record")
	}
	if second.CurrentProgress != 0 {
		t.Errorf("rejoin progress = %d, want 0", second.CurrentProgress)
	}
	for _, m := range second.Milestones {
		if m.IsAchieved {
			t.Errorf("milestone %d carried over as achieved", m.Threshold)
		}
	}
}

func TestLeave_RetiredChallenge(t *testing.T) {
	s, p, _, _ := newTestChallenges(t, ChallengeOptions{})
	other := ChallengeParticipant{UserID: "friend", Username: "Friend", Progress: 3}
	c := mustAdd(t, s, testChallenge(4, other))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 4); err != nil {
		t.Fatal(err)
	}
	if !s.IsParticipating(c.ID) {
		t.Fatal("not participating in the completed challenge")
	}
	saves := p.saveCount(RecordCompletedChallenges)

	if err := s.Leave(c.ID); err != nil {
		t.Fatal(err)
	}
	if s.IsParticipating(c.ID) {
		t.Error("still participating after leaving a retired challenge")
	}
	if _, ok := s.UserProgress(c.ID); ok {
		t.Error("progress survived Leave")
	}
	done := s.Completed()
	if len(done) != 1 {
		t.Fatalf("Completed() = %d, want 1", len(done))
	}
	if len(done[0].Participants) != 1 || done[0].Participants[0].UserID != "friend" {
		t.Errorf("completed participants = %+v, want only friend", done[0].Participants)
	}
	if p.saveCount(RecordCompletedChallenges) != saves+1 {
		t.Error("completed collection not persisted after Leave")
	}
}

func TestUpdateProgress_MilestonesAndCompletion(t *testing.T) {
	s, p, rec, clock := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(20))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateProgress(c.ID, 12); err != nil {
		t.Fatal(err)
	}
	prog, _ := s.UserProgress(c.ID)
	wantAchieved := []bool{true, true, false, false}
	for i, m := range prog.Milestones {
		if m.IsAchieved != wantAchieved[i] {
			t.Errorf("at 12, milestone %d achieved = %v", m.Threshold, m.IsAchieved)
		}
	}
	if n := len(rec.ofKind(EventMilestoneAchieved)); n != 2 {
		t.Errorf("milestone events = %d, want 2", n)
	}
	firstAchieved := *prog.Milestones[0].AchievedDate

	clock.Advance(time.Hour)
	if err := s.UpdateProgress(c.ID, 20); err != nil {
		t.Fatal(err)
	}
	prog, _ = s.UserProgress(c.ID)
	for _, m := range prog.Milestones {
		if !m.IsAchieved {
			t.Errorf("at 20, milestone %d not achieved", m.Threshold)
		}
	}
	if !prog.Milestones[0].AchievedDate.Equal(firstAchieved) {
		t.Error("achieved milestone timestamp was rewritten")
	}
	if !prog.IsCompleted || prog.CompletedDate == nil {
		t.Errorf("progress not completed: %+v", prog)
	}

	completions := rec.ofKind(EventChallengeCompleted)
	if len(completions) != 1 {
		t.Fatalf("completion events = %d, want 1", len(completions))
	}
	if completions[0].Challenge == nil || completions[0].Challenge.ID != c.ID {
		t.Errorf("completion event challenge = %+v", completions[0].Challenge)
	}

	if n := len(s.Active()); n != 0 {
		t.Errorf("completed challenge still active (%d active)", n)
	}
	done := s.Completed()
	if len(done) != 1 || done[0].ID != c.ID || done[0].IsActive {
		t.Errorf("Completed() = %+v", done)
	}
	got, ok := s.Get(c.ID)
	if !ok || got.IsActive {
		t.Errorf("Get() after completion = %+v, %v", got, ok)
	}
	last, ok := s.LastCompleted()
	if !ok || last.ID != c.ID {
		t.Errorf("LastCompleted() = %+v, %v", last, ok)
	}
	if !p.has(RecordCompletedChallenges) {
		t.Error("completed collection not persisted")
	}

	// Further updates never complete twice.
	for _, v := range []int{25, 20, 3} {
		if err := s.UpdateProgress(c.ID, v); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(rec.ofKind(EventChallengeCompleted)); n != 1 {
		t.Errorf("completion events after extra updates = %d, want 1", n)
	}
	if n := len(s.Completed()); n != 1 {
		t.Errorf("Completed() grew to %d", n)
	}
	prog, _ = s.UserProgress(c.ID)
	if prog.CurrentProgress != 3 {
		t.Errorf("CurrentProgress = %d, want 3 (overwrite)", prog.CurrentProgress)
	}
	if !prog.IsCompleted {
		t.Error("IsCompleted reverted")
	}
}

func TestUpdateProgress_JumpPastGoal(t *testing.T) {
	s, _, rec, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(20))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 99); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.ofKind(EventMilestoneAchieved)); n != 4 {
		t.Errorf("milestone events = %d, want 4", n)
	}
	if n := len(rec.ofKind(EventChallengeCompleted)); n != 1 {
		t.Errorf("completion events = %d, want 1", n)
	}
}

func TestUpdateProgress_WithoutJoinIgnored(t *testing.T) {
	s, _, rec, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(5))
	if err := s.UpdateProgress(c.ID, 10); err != nil {
		t.Fatal(err)
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %d, want 0", len(rec.events))
	}
	if got, _ := s.Get(c.ID); !got.IsActive {
		t.Error("challenge retired without a participant")
	}
}

func TestUpdateProgress_PersistFailureKeepsState(t *testing.T) {
	s, p, rec, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(4))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}

	p.failSave = true
	err := s.UpdateProgress(c.ID, 4)
	var perr *PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PersistError, got %v", err)
	}
	if prog, _ := s.UserProgress(c.ID); !prog.IsCompleted {
		t.Error("completion lost after save failure")
	}
	if n := len(rec.ofKind(EventChallengeCompleted)); n != 1 {
		t.Errorf("completion events = %d, want 1", n)
	}
}

func TestLeaderboard(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(100,
		ChallengeParticipant{UserID: "a", Username: "Alpha", Progress: 40},
		ChallengeParticipant{UserID: "b", Username: "Bravo", Progress: 90},
	))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 65); err != nil {
		t.Fatal(err)
	}

	board := s.Leaderboard(c.ID)
	wantProgress := []int{90, 65, 40}
	if len(board) != len(wantProgress) {
		t.Fatalf("leaderboard size = %d, want %d", len(board), len(wantProgress))
	}
	for i, row := range board {
		if row.Progress != wantProgress[i] {
			t.Errorf("row %d progress = %d, want %d", i, row.Progress, wantProgress[i])
		}
		if row.Rank != i+1 {
			t.Errorf("row %d rank = %d, want %d", i, row.Rank, i+1)
		}
	}
	rank, ok := s.UserRank(c.ID)
	if !ok || rank != 2 {
		t.Errorf("UserRank() = %d, %v; want 2, true", rank, ok)
	}

	stored, _ := s.Get(c.ID)
	for _, p := range stored.Participants {
		if p.Rank != 0 {
			t.Error("Leaderboard wrote ranks back into the store")
		}
	}
}

func TestLeaderboard_TiesKeepInsertionOrder(t *testing.T) {
	s, _, _, _ := newTestChallenges(t, ChallengeOptions{})
	c := mustAdd(t, s, testChallenge(100,
		ChallengeParticipant{UserID: "first", Progress: 50},
		ChallengeParticipant{UserID: "second", Progress: 50},
		ChallengeParticipant{UserID: "third", Progress: 10},
	))
	board := s.Leaderboard(c.ID)
	if board[0].UserID != "first" || board[1].UserID != "second" {
		t.Errorf("tie order = %s, %s", board[0].UserID, board[1].UserID)
	}
	if _, ok := s.UserRank(c.ID); ok {
		t.Error("UserRank reported a rank for a non-participant")
	}
	if s.Leaderboard("missing") != nil {
		t.Error("unknown challenge returned a leaderboard")
	}
}

func TestSweepExpired(t *testing.T) {
	s, _, rec, clock := newTestChallenges(t, ChallengeOptions{})
	joined := mustAdd(t, s, testChallenge(50))
	skipped := mustAdd(t, s, testChallenge(50))
	later := testChallenge(50)
	later.EndDate = testEpoch.Add(30 * 24 * time.Hour)
	later = mustAdd(t, s, later)

	if err := s.Join(joined.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.SweepExpired(); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.ofKind(EventChallengeExpired)); n != 0 {
		t.Fatalf("premature expiry events = %d", n)
	}

	clock.Advance(72 * time.Hour)
	if err := s.SweepExpired(); err != nil {
		t.Fatal(err)
	}

	active := s.Active()
	if len(active) != 1 || active[0].ID != later.ID {
		t.Errorf("Active() after sweep = %+v", active)
	}
	done := s.Completed()
	if len(done) != 1 || done[0].ID != joined.ID || done[0].IsActive {
		t.Errorf("Completed() after sweep = %+v", done)
	}
	if _, ok := s.Get(skipped.ID); ok {
		t.Error("expired challenge without participation is still retrievable")
	}
	if n := len(rec.ofKind(EventChallengeExpired)); n != 2 {
		t.Errorf("expiry events = %d, want 2", n)
	}

	// A second sweep has nothing left to do.
	if err := s.SweepExpired(); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.ofKind(EventChallengeExpired)); n != 2 {
		t.Errorf("expiry events after re-sweep = %d, want 2", n)
	}
}

func TestNewChallengeStore_SweepsOnStartup(t *testing.T) {
	p := newMemPersister()
	clock := &fixedClock{t: testEpoch}
	s, err := newChallengeStore(p, nil, ChallengeOptions{}, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	c := mustAdd(t, s, testChallenge(10))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(7 * 24 * time.Hour)
	rec := &recorder{}
	reloaded, err := newChallengeStore(p, rec, ChallengeOptions{}, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(reloaded.Active()); n != 0 {
		t.Errorf("Active() after restart = %d, want 0", n)
	}
	if n := len(reloaded.Completed()); n != 1 {
		t.Errorf("Completed() after restart = %d, want 1", n)
	}
	if n := len(rec.ofKind(EventChallengeExpired)); n != 1 {
		t.Errorf("startup expiry events = %d, want 1", n)
	}
}

func TestChallengeStore_Reload(t *testing.T) {
	p := newMemPersister()
	clock := &fixedClock{t: testEpoch}
	s, _ := newChallengeStore(p, nil, ChallengeOptions{}, clock.Now)
	c := mustAdd(t, s, testChallenge(10))
	if err := s.Join(c.ID, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateProgress(c.ID, 6); err != nil {
		t.Fatal(err)
	}

	reloaded, err := newChallengeStore(p, nil, ChallengeOptions{}, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	prog, ok := reloaded.UserProgress(c.ID)
	if !ok || prog.CurrentProgress != 6 {
		t.Errorf("reloaded progress = %+v, %v", prog, ok)
	}
	if !reloaded.IsParticipating(c.ID) {
		t.Error("participation not restored")
	}
}

func TestChallengeStore_Reset(t *testing.T) {
	s, p, _, _ := newTestChallenges(t, ChallengeOptions{SeedDefaults: true})
	id := s.Active()[0].ID
	if err := s.Join(id, "Hero", "🦸"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(s.Active()) != 0 || len(s.Completed()) != 0 {
		t.Error("collections not cleared by Reset")
	}
	if _, ok := s.UserProgress(id); ok {
		t.Error("progress survived Reset")
	}
	for _, name := range []string{RecordChallenges, RecordChallengeProgress, RecordCompletedChallenges} {
		if p.has(name) {
			t.Errorf("record %s survived Reset", name)
		}
	}
}

func TestTimeRemaining(t *testing.T) {
	c := CommunityChallenge{EndDate: testEpoch}
	tests := []struct {
		now  time.Time
		want string
	}{
		{testEpoch.Add(-(3*24*time.Hour + 4*time.Hour + 10*time.Minute)), "3d 4h"},
		{testEpoch.Add(-(5*time.Hour + 12*time.Minute)), "5h 12m"},
		{testEpoch, "Ended"},
		{testEpoch.Add(time.Minute), "Ended"},
	}
	for _, tt := range tests {
		if got := c.TimeRemaining(tt.now); got != tt.want {
			t.Errorf("TimeRemaining(%v) = %q, want %q", tt.now, got, tt.want)
		}
	}
}

func TestDifficultyXPMultiplier(t *testing.T) {
	tests := map[Difficulty]float64{
		DifficultyEasy:    1.0,
		DifficultyMedium:  1.5,
		DifficultyHard:    2.0,
		DifficultyExtreme: 3.0,
		Difficulty("?"):   1.0,
	}
	for d, want := range tests {
		if got := d.XPMultiplier(); got != want {
			t.Errorf("%s.XPMultiplier() = %v, want %v", d, got, want)
		}
	}
}

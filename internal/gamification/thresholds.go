package gamification

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default milestone layout for a challenge: the goal is split into
// DefaultMilestoneCount equal thresholds and milestone i pays
// i*DefaultMilestoneRewardStep bonus XP.
const (
	DefaultMilestoneCount      = 4
	DefaultMilestoneRewardStep = 50
)

// crossed reports whether a threshold rule that is not yet achieved should
// transition to achieved for the given counter value. Rules already achieved
// never cross again, which makes repeated evaluation safe.
func crossed(achieved bool, value, threshold int) bool {
	return !achieved && value >= threshold
}

// buildMilestones splits goal into count evenly spaced thresholds. The last
// threshold always equals goal. Integer division matches the way rewards are
// displayed: a goal of 30 with 4 milestones yields 7, 15, 22, 30.
func buildMilestones(goal, count, rewardStep int) []ChallengeMilestone {
	if count <= 0 {
		count = DefaultMilestoneCount
	}
	if rewardStep <= 0 {
		rewardStep = DefaultMilestoneRewardStep
	}
	out := make([]ChallengeMilestone, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, ChallengeMilestone{
			ID:        uuid.NewString(),
			Threshold: goal * i / count,
			Reward:    fmt.Sprintf("Bonus %d XP", rewardStep*i),
		})
	}
	return out
}

// achieveMilestones marks every milestone whose threshold is now covered by
// progress and returns copies of the ones that changed, in threshold order.
// Already-achieved milestones keep their original timestamp.
func achieveMilestones(milestones []ChallengeMilestone, progress int, now time.Time) []ChallengeMilestone {
	var changed []ChallengeMilestone
	for i := range milestones {
		m := &milestones[i]
		if !crossed(m.IsAchieved, progress, m.Threshold) {
			continue
		}
		m.IsAchieved = true
		at := now
		m.AchievedDate = &at
		changed = append(changed, *m)
	}
	return changed
}

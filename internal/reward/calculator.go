// Package reward holds the gold reward and penalty policy.
//
// Every function here is pure: callers get an amount back and decide when to
// apply it. Amounts are whole gold; percentages are applied with integer
// division, so fractional gold is always rounded down.
package reward

import "time"

// Canonical policy. Each rule has exactly one variant.
const (
	// StartRewardPercent is paid when the start photo passes inside the start window.
	StartRewardPercent = 50

	// CompletionBasePercent is the guaranteed part of the completion reward.
	CompletionBasePercent = 60

	// Early completion bonus tiers, evaluated on the saved percentage.
	FullBonusThreshold = 50.0
	FullBonusPercent   = 100
	PartBonusThreshold = 20.0
	PartBonusPercent   = 33

	// TimeoutPenaltyStepPercent escalates per occurrence: 10%, 20%, 30%, ...
	TimeoutPenaltyStepPercent = 10

	// FlatFailurePenalty is deducted after the strike limit of consecutive mismatches.
	FlatFailurePenalty = 50

	// DefaultStrikeLimit is the number of consecutive mismatches that triggers FlatFailurePenalty.
	DefaultStrikeLimit = 3

	// minDefaultReward is the floor of the duration-derived reward.
	minDefaultReward = 10
)

// BonusTier names which early-completion bonus applied.
type BonusTier string

const (
	TierNone BonusTier = "none"
	TierPart BonusTier = "part"
	TierFull BonusTier = "full"
)

// Breakdown explains a completion reward.
type Breakdown struct {
	Base            int
	Bonus           int
	Tier            BonusTier
	SavedPercentage float64
}

// Total returns base plus bonus.
func (b Breakdown) Total() int {
	return b.Base + b.Bonus
}

func percentOf(base, pct int) int {
	if base <= 0 || pct <= 0 {
		return 0
	}
	return base * pct / 100
}

// StartReward returns the reward for a passed start photo.
// Outside the start window the task still starts but no gold is paid.
func StartReward(baseGold int, withinWindow bool) int {
	if !withinWindow {
		return 0
	}
	return percentOf(baseGold, StartRewardPercent)
}

// SavedPercentage is (scheduled - actual) / scheduled * 100.
// It is negative when the task overran and zero for a non-positive schedule.
func SavedPercentage(scheduled, actual time.Duration) float64 {
	if scheduled <= 0 {
		return 0
	}
	if actual < 0 {
		actual = 0
	}
	return float64(scheduled-actual) / float64(scheduled) * 100
}

// Bonus returns the early completion bonus tier and amount.
func Bonus(baseGold int, savedPercentage float64) (BonusTier, int) {
	switch {
	case savedPercentage >= FullBonusThreshold:
		return TierFull, percentOf(baseGold, FullBonusPercent)
	case savedPercentage >= PartBonusThreshold:
		return TierPart, percentOf(baseGold, PartBonusPercent)
	default:
		return TierNone, 0
	}
}

// Completion returns the itemised completion reward, excluding returned start penalties.
func Completion(baseGold int, savedPercentage float64) Breakdown {
	tier, bonus := Bonus(baseGold, savedPercentage)
	return Breakdown{
		Base:            percentOf(baseGold, CompletionBasePercent),
		Bonus:           bonus,
		Tier:            tier,
		SavedPercentage: savedPercentage,
	}
}

// CompletionReward returns base portion plus early completion bonus.
func CompletionReward(baseGold int, savedPercentage float64) int {
	return Completion(baseGold, savedPercentage).Total()
}

// TimeoutPenalty is the penalty for the given 1-based timeout occurrence.
// The same schedule applies to start and completion timeouts.
func TimeoutPenalty(occurrence, baseGold int) int {
	if occurrence <= 0 {
		return 0
	}
	return percentOf(baseGold, TimeoutPenaltyStepPercent*occurrence)
}

// CumulativeTimeoutPenalty sums TimeoutPenalty for occurrences 1..n.
func CumulativeTimeoutPenalty(n, baseGold int) int {
	total := 0
	for i := 1; i <= n; i++ {
		total += TimeoutPenalty(i, baseGold)
	}
	return total
}

// DefaultReward derives a base reward for tasks without an explicit one:
// one gold per planned minute with a floor.
func DefaultReward(durationMinutes int) int {
	if durationMinutes < minDefaultReward {
		return minDefaultReward
	}
	return durationMinutes
}

// BaseGold returns the task's base reward or the duration-derived default.
func BaseGold(goldReward, durationMinutes int) int {
	if goldReward > 0 {
		return goldReward
	}
	return DefaultReward(durationMinutes)
}

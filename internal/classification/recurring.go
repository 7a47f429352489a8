// Package classification detects recurring billing patterns in transaction
// histories and maps merchants to spending categories.
package classification

import (
	"math"
	"sort"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/model"
)

// MinPatternConfidence is the admission threshold for an emitted pattern.
const MinPatternConfidence = 0.60

// amountTolerance is the fraction of the mean every amount must stay within
// for the group to count as stable.
const amountTolerance = 0.10

// cycleBand maps an average interval range to a billing cycle. Bands are
// checked in order; the first containing the interval wins.
type cycleBand struct {
	cycle        model.BillingCycle
	minDays      float64
	maxDays      float64
	stableConf   float64
	variableConf float64
}

var cycleBands = []cycleBand{
	{cycle: model.CycleMonthly, minDays: 28, maxDays: 31, stableConf: 0.90, variableConf: 0.70},
	{cycle: model.CycleQuarterly, minDays: 89, maxDays: 92, stableConf: 0.85, variableConf: 0.65},
	{cycle: model.CycleYearly, minDays: 358, maxDays: 370, stableConf: 0.90, variableConf: 0.70},
	{cycle: model.CycleWeekly, minDays: 6, maxDays: 8, stableConf: 0.85, variableConf: 0.65},
}

const (
	fallbackCycle      = model.CycleMonthly
	fallbackConfidence = 0.5
)

// DetectRecurringPatterns groups transactions by merchant and infers recurring
// billing patterns. It performs no I/O, does not modify its input and returns
// the same result for any ordering of transactions.
//
// A merchant needs only two transactions to produce a pattern, so callers
// should treat two-sample patterns as provisional.
func DetectRecurringPatterns(transactions []model.Transaction) []model.RecurringPattern {
	groups := make(map[string][]model.Transaction)
	for _, txn := range transactions {
		txn.Amount = math.Abs(txn.Amount)
		merchant := txn.Merchant()
		txn.MerchantName = merchant
		groups[merchant] = append(groups[merchant], txn)
	}

	patterns := make([]model.RecurringPattern, 0, len(groups))
	for merchant, group := range groups {
		if len(group) < 2 {
			continue
		}
		pattern, ok := analyzeGroup(merchant, group)
		if !ok {
			continue
		}
		patterns = append(patterns, pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].MerchantName < patterns[j].MerchantName
	})

	return patterns
}

func analyzeGroup(merchant string, group []model.Transaction) (model.RecurringPattern, bool) {
	sort.Slice(group, func(i, j int) bool {
		if !group[i].Date.Equal(group[j].Date) {
			return group[i].Date.Before(group[j].Date)
		}
		if group[i].ID != group[j].ID {
			return group[i].ID < group[j].ID
		}
		return group[i].Amount < group[j].Amount
	})

	mean := meanAmount(group)
	cycle, confidence := classifyInterval(averageInterval(group), amountsStable(group, mean))
	if confidence < MinPatternConfidence {
		return model.RecurringPattern{}, false
	}

	return model.RecurringPattern{
		MerchantName:     merchant,
		Amount:           mean,
		BillingCycle:     cycle,
		Confidence:       confidence,
		TransactionCount: len(group),
		Transactions:     group,
		LastTransaction:  group[len(group)-1],
	}, true
}

func meanAmount(group []model.Transaction) float64 {
	var total float64
	for _, txn := range group {
		total += txn.Amount
	}
	return total / float64(len(group))
}

func amountsStable(group []model.Transaction, mean float64) bool {
	limit := mean * amountTolerance
	for _, txn := range group {
		if math.Abs(txn.Amount-mean) > limit {
			return false
		}
	}
	return true
}

// averageInterval rounds each gap to whole days before averaging.
func averageInterval(sorted []model.Transaction) float64 {
	var total float64
	for i := 1; i < len(sorted); i++ {
		total += dayGap(sorted[i-1].Date, sorted[i].Date)
	}
	return total / float64(len(sorted)-1)
}

func dayGap(from, to time.Time) float64 {
	return math.Round(to.Sub(from).Hours() / 24)
}

func classifyInterval(avgInterval float64, stable bool) (model.BillingCycle, float64) {
	for _, band := range cycleBands {
		if avgInterval < band.minDays || avgInterval > band.maxDays {
			continue
		}
		if stable {
			return band.cycle, band.stableConf
		}
		return band.cycle, band.variableConf
	}
	return fallbackCycle, fallbackConfidence
}

// Package scoring turns an answer set into per-trait scores.
package scoring

import (
	"math"

	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/questionbank"
)

// Level thresholds on the rounded percentage.
const (
	lowMax    = 40
	mediumMax = 70
)

// Score computes trait scores in the bank's canonical trait order. Only
// answered questions contribute to a trait's mean, and traits without any
// answered question are left out.
func Score(bank *questionbank.Bank, answers domain.Answers) []domain.TraitScore {
	var scores []domain.TraitScore
	for _, trait := range bank.Traits() {
		total, count := 0, 0
		for _, ordinal := range trait.Ordinals {
			if v, ok := answers[ordinal]; ok {
				total += v
				count++
			}
		}
		if count == 0 {
			continue
		}

		mean := float64(total) / float64(count)
		pct := Percentage(mean)
		scores = append(scores, domain.TraitScore{
			TraitID:    trait.ID,
			Name:       trait.Name,
			Score:      mean,
			Percentage: pct,
			Level:      LevelFor(pct),
		})
	}
	return scores
}

// Percentage maps a 0-4 mean onto 0-100, rounded half up.
func Percentage(mean float64) int {
	return int(math.Round(mean / float64(domain.MaxAnswerValue) * 100))
}

// LevelFor buckets a rounded percentage.
func LevelFor(percentage int) domain.Level {
	switch {
	case percentage <= lowMax:
		return domain.LevelLow
	case percentage <= mediumMax:
		return domain.LevelMedium
	default:
		return domain.LevelHigh
	}
}

package analysis

import (
	"fmt"

	"github.com/ashureev/traitlab/internal/domain"
)

const fallbackPicks = 3

type fallbackText struct {
	personalityType string
	narrative       string // %s is the mean percentage
	strength        string // name, percentage
	challenge       string
	recommendations []string
}

var fallbackTexts = map[domain.Language]fallbackText{
	domain.LangArabic: {
		personalityType: "شخصية متوازنة",
		narrative:       "بناءً على تحليل درجاتك في اختبار 72TP، تُظهر شخصيتك توازناً عاماً مع متوسط درجات %s%%. تبرز لديك سمات قوية في مجالات محددة، مما يشير إلى شخصية متنوعة وقابلة للتكيف.",
		strength:        "قوة في %s (%d%%)",
		challenge:       "تحسين %s (%d%%)",
		recommendations: []string{
			"ركز على تطوير السمات ذات الدرجات المنخفضة",
			"استفد من نقاط قوتك في التحديات اليومية",
			"اطلب تقييماً دورياً لمراقبة التطور",
		},
	},
	domain.LangEnglish: {
		personalityType: "Balanced Personality",
		narrative:       "Based on your 72TP test analysis, your personality shows overall balance with an average score of %s%%. You demonstrate strong traits in specific areas, indicating a diverse and adaptable personality.",
		strength:        "Strong %s (%d%%)",
		challenge:       "Improve %s (%d%%)",
		recommendations: []string{
			"Focus on developing traits with lower scores",
			"Leverage your strengths in daily challenges",
			"Seek regular assessment to monitor progress",
		},
	},
}

// Fallback computes the deterministic analysis used whenever the analyzer
// cannot produce a valid one. It depends only on scores and language.
func Fallback(scores []domain.TraitScore, lang domain.Language) *domain.Analysis {
	lang = normalizeLanguage(lang)
	text := fallbackTexts[lang]

	strengths := []string{}
	challenges := []string{}
	sum := 0
	for _, s := range scores {
		sum += s.Percentage
		name := s.Name.In(lang)
		switch {
		case s.Level == domain.LevelHigh && len(strengths) < fallbackPicks:
			strengths = append(strengths, fmt.Sprintf(text.strength, name, s.Percentage))
		case s.Level == domain.LevelLow && len(challenges) < fallbackPicks:
			challenges = append(challenges, fmt.Sprintf(text.challenge, name, s.Percentage))
		}
	}

	mean := 0.0
	if len(scores) > 0 {
		mean = float64(sum) / float64(len(scores))
	}

	return &domain.Analysis{
		Language:        lang,
		TraitScores:     scores,
		PersonalityType: text.personalityType,
		Narrative:       fmt.Sprintf(text.narrative, fmt.Sprintf("%.1f", mean)),
		Strengths:       strengths,
		Challenges:      challenges,
		Recommendations: append([]string(nil), text.recommendations...),
		Source:          domain.SourceFallback,
	}
}

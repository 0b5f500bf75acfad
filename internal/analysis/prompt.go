package analysis

import (
	"fmt"
	"strings"

	"github.com/ashureev/traitlab/internal/analyzer"
	"github.com/ashureev/traitlab/internal/domain"
)

var systemPrompts = map[domain.Language]string{
	domain.LangArabic:  "أنت خبير في تحليل الشخصية باستخدام إطار عمل 72TP. قم بتحليل درجات السمات المعطاة وقدم تحليلاً شاملاً للشخصية.",
	domain.LangEnglish: "You are a personality analysis expert using the 72TP framework. Analyze the given trait scores and provide comprehensive personality insights.",
}

var depthPhrases = map[domain.Depth]map[domain.Language]string{
	domain.DepthSurface: {
		domain.LangArabic:  "سطحي مع التركيز على النقاط الرئيسية",
		domain.LangEnglish: "surface-level focusing on key points",
	},
	domain.DepthModerate: {
		domain.LangArabic:  "متوسط مع تفصيل جيد للفئات",
		domain.LangEnglish: "moderate with good category breakdown",
	},
	domain.DepthComprehensive: {
		domain.LangArabic:  "شامل ومفصل لجميع السمات الـ 72",
		domain.LangEnglish: "comprehensive and detailed for all 72 traits",
	},
}

const promptAR = `قم بتحليل درجات السمات التالية من اختبار 72TP وقدم تحليلاً %s:

درجات السمات:
%s

المطلوب:
1. تحديد النمط الأساسي للشخصية
2. تحليل شامل للشخصية بناءً على الدرجات
3. نقاط القوة الرئيسية (3-5 نقاط)
4. التحديات والمجالات التي تحتاج تطوير (3-5 نقاط)
5. توصيات عملية للتطوير الشخصي (3-5 توصيات)

يجب أن يكون التحليل مفصلاً ومبنياً على البيانات المقدمة، مع التركيز على الأنماط والعلاقات بين السمات المختلفة.

أجب بكائن JSON فقط يحتوي على المفاتيح: personalityType, analysis, strengths, challenges, recommendations.`

const promptEN = `Analyze the following trait scores from the 72TP test and provide a %s analysis:

Trait Scores:
%s

Required:
1. Identify the primary personality type
2. Comprehensive personality analysis based on scores
3. Key strengths (3-5 points)
4. Challenges and areas for development (3-5 points)
5. Practical recommendations for personal growth (3-5 recommendations)

The analysis should be detailed and data-driven, focusing on patterns and relationships between different traits.

Respond with a JSON object only, with the keys: personalityType, analysis, strengths, challenges, recommendations.`

func normalizeLanguage(lang domain.Language) domain.Language {
	if lang == domain.LangEnglish {
		return domain.LangEnglish
	}
	return domain.LangArabic
}

// DepthPhrase returns the instruction phrase for depth. Unknown depths use
// the moderate phrasing.
func DepthPhrase(depth domain.Depth, lang domain.Language) string {
	phrases, ok := depthPhrases[depth]
	if !ok {
		phrases = depthPhrases[domain.DepthModerate]
	}
	return phrases[normalizeLanguage(lang)]
}

// FormatTraitScores renders one "<name>: <pct>% (<level>)" line per trait.
func FormatTraitScores(scores []domain.TraitScore, lang domain.Language) string {
	lines := make([]string, 0, len(scores))
	for _, s := range scores {
		lines = append(lines, fmt.Sprintf("%s: %d%% (%s)", s.Name.In(lang), s.Percentage, s.Level))
	}
	return strings.Join(lines, "\n")
}

// BuildRequest assembles the analyzer request for the given scores.
func BuildRequest(scores []domain.TraitScore, depth domain.Depth, lang domain.Language) analyzer.Request {
	lang = normalizeLanguage(lang)
	traitData := FormatTraitScores(scores, lang)

	tmpl := promptAR
	if lang == domain.LangEnglish {
		tmpl = promptEN
	}

	return analyzer.Request{
		Instruction: systemPrompts[lang],
		Prompt:      fmt.Sprintf(tmpl, DepthPhrase(depth, lang), traitData),
		TraitData:   traitData,
		Depth:       depth,
		Language:    lang,
	}
}

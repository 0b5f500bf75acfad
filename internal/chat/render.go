package chat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/i18n"
	"github.com/ashureev/traitlab/internal/questionbank"
)

// Reply kinds.
const (
	KindText     = "text"
	KindQuestion = "question"
	KindOffer    = "analysis_offer"
	KindAnalysis = "analysis"
	KindError    = "error"
)

// analysisDisplayItems caps strengths and challenges in rendered analyses.
const analysisDisplayItems = 3

// Reply is one outbound chat message. Text is always rendered; the other
// fields carry the same content for clients that want structure.
type Reply struct {
	Kind     string           `json:"kind"`
	Text     string           `json:"text"`
	Question *QuestionView    `json:"question,omitempty"`
	Depths   []domain.Depth   `json:"depths,omitempty"`
	Analysis *domain.Analysis `json:"analysis,omitempty"`
}

// QuestionView is a localized question as presented to the user.
type QuestionView struct {
	Ordinal  int      `json:"ordinal"`
	Total    int      `json:"total"`
	Category string   `json:"category"`
	Trait    string   `json:"trait"`
	Text     string   `json:"text"`
	Options  []string `json:"options"`
	Progress string   `json:"progress"`
}

type renderer struct {
	catalog *i18n.Catalog
}

func (r renderer) text(lang domain.Language, key string, vars i18n.Vars) Reply {
	return Reply{Kind: KindText, Text: r.catalog.T(lang, key, vars)}
}

func formatPercentage(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64)
}

func (r renderer) progressLine(lang domain.Language, p *assessment.Progress) string {
	return r.catalog.T(lang, "progress", i18n.Vars{
		"current":    strconv.Itoa(p.Answered),
		"total":      strconv.Itoa(p.Total),
		"percentage": formatPercentage(p.Percentage),
	})
}

func (r renderer) question(lang domain.Language, q *questionbank.Question, p *assessment.Progress) Reply {
	view := &QuestionView{
		Ordinal:  q.Ordinal,
		Total:    p.Total,
		Category: q.CategoryName.In(lang),
		Trait:    q.TraitName.In(lang),
		Text:     q.Text.In(lang),
		Progress: r.progressLine(lang, p),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s\n", view.Category, view.Trait)
	fmt.Fprintf(&b, "**%s**\n\n%s\n\n", r.catalog.T(lang, "question_format", i18n.Vars{
		"current": strconv.Itoa(q.Ordinal),
		"total":   strconv.Itoa(p.Total),
	}), view.Text)
	fmt.Fprintf(&b, "%s:\n", r.catalog.T(lang, "answer_options", nil))
	for v := domain.MinAnswerValue; v <= domain.MaxAnswerValue; v++ {
		label := r.catalog.T(lang, "option_"+strconv.Itoa(v), nil)
		view.Options = append(view.Options, label)
		fmt.Fprintf(&b, "`!%d.%d` - %s\n", q.Ordinal, v, label)
	}
	fmt.Fprintf(&b, "\n%s", view.Progress)

	return Reply{Kind: KindQuestion, Text: b.String(), Question: view}
}

func (r renderer) offer(lang domain.Language, offers *Offers) Reply {
	minutes := int(offers.TTL().Minutes())
	if minutes < 1 {
		minutes = 1
	}
	text := r.catalog.T(lang, "test_completed", nil) + "\n" +
		r.catalog.T(lang, "choose_analysis", i18n.Vars{"minutes": strconv.Itoa(minutes)})
	return Reply{Kind: KindOffer, Text: text, Depths: domain.Depths}
}

func (r renderer) analysis(lang domain.Language, a *domain.Analysis) Reply {
	na := r.catalog.T(lang, "not_available", nil)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", r.catalog.T(lang, "analysis_title", nil), a.Narrative)

	personalityType := a.PersonalityType
	if personalityType == "" {
		personalityType = na
	}
	fmt.Fprintf(&b, "%s: %s\n", r.catalog.T(lang, "primary_type", nil), personalityType)

	section := func(key string, items []string, limit int) {
		fmt.Fprintf(&b, "\n%s:\n", r.catalog.T(lang, key, nil))
		if len(items) == 0 {
			fmt.Fprintf(&b, "• %s\n", na)
			return
		}
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		for _, item := range items {
			fmt.Fprintf(&b, "• %s\n", item)
		}
	}
	section("strengths", a.Strengths, analysisDisplayItems)
	section("challenges", a.Challenges, analysisDisplayItems)
	section("recommendations", a.Recommendations, 0)

	return Reply{Kind: KindAnalysis, Text: strings.TrimRight(b.String(), "\n"), Analysis: a}
}

package domain

import "time"

// Depth selects how detailed the requested analysis should be.
type Depth string

const (
	DepthSurface       Depth = "surface"
	DepthModerate      Depth = "moderate"
	DepthComprehensive Depth = "comprehensive"
)

// Depths lists the analysis depths in presentation order.
var Depths = []Depth{DepthSurface, DepthModerate, DepthComprehensive}

// ParseDepth validates a depth string.
func ParseDepth(s string) (Depth, bool) {
	for _, d := range Depths {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

// Level buckets a trait percentage.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// TraitScore is the derived score of one trait over the answered questions.
type TraitScore struct {
	TraitID    string        `json:"trait_id"`
	Name       LocalizedText `json:"name"`
	Score      float64       `json:"score"`
	Percentage int           `json:"percentage"`
	Level      Level         `json:"level"`
}

// AnalysisSource records which path produced an analysis.
type AnalysisSource string

const (
	SourceAnalyzer AnalysisSource = "analyzer"
	SourceFallback AnalysisSource = "fallback"
)

// Analysis is a narrative personality report for a session.
type Analysis struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Depth           Depth          `json:"depth"`
	Language        Language       `json:"language"`
	TraitScores     []TraitScore   `json:"trait_scores"`
	PersonalityType string         `json:"personality_type"`
	Narrative       string         `json:"analysis"`
	Strengths       []string       `json:"strengths"`
	Challenges      []string       `json:"challenges"`
	Recommendations []string       `json:"recommendations"`
	Source          AnalysisSource `json:"source"`
	CreatedAt       time.Time      `json:"created_at"`
}

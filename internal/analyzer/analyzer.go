// Package analyzer provides clients for the external generative-text service
// that writes narrative personality analyses.
package analyzer

import (
	"context"
	"errors"

	"github.com/ashureev/traitlab/internal/domain"
)

// ErrDisabled is returned by Disabled for every request.
var ErrDisabled = errors.New("analyzer disabled")

// Request is one analysis request.
type Request struct {
	// Instruction is the system instruction for the selected language.
	Instruction string
	// Prompt is the full user prompt, trait data included.
	Prompt string
	// TraitData is the "<name>: <pct>% (<level>)" block on its own.
	TraitData string
	Depth     domain.Depth
	Language  domain.Language
}

// Payload is the structured analysis the service is asked to return.
type Payload struct {
	PersonalityType string   `json:"personalityType"`
	Analysis        string   `json:"analysis"`
	Strengths       []string `json:"strengths"`
	Challenges      []string `json:"challenges"`
	Recommendations []string `json:"recommendations"`
}

// Reply carries either a decoded payload or the raw text the service
// returned. Callers validate both forms.
type Reply struct {
	Structured *Payload
	Raw        string
}

// Analyzer defines the interface for analysis backends.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Reply, error)
}

// Disabled is the analyzer used when no backend is configured.
type Disabled struct{}

// Analyze always fails with ErrDisabled.
func (Disabled) Analyze(context.Context, Request) (*Reply, error) {
	return nil, ErrDisabled
}

var (
	_ Analyzer = Disabled{}
	_ Analyzer = (*HTTPClient)(nil)
	_ Analyzer = (*GrpcClient)(nil)
)

// Package analysis turns trait scores into a narrative personality analysis,
// delegating to an external analyzer and falling back to a deterministic
// computed analysis whenever the analyzer cannot deliver.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/traitlab/internal/analyzer"
	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/metrics"
)

// DefaultTimeout bounds a single analyzer call.
const DefaultTimeout = 30 * time.Second

// Outcome classifies one analyzer call.
type Outcome int

const (
	// OutcomeStructuredOK means the analyzer returned a valid payload.
	OutcomeStructuredOK Outcome = iota
	// OutcomeStructuredInvalid means a reply arrived but did not validate.
	OutcomeStructuredInvalid
	// OutcomeTransportFailure covers errors, timeouts and client panics.
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStructuredOK:
		return "structured_ok"
	case OutcomeStructuredInvalid:
		return "structured_invalid"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Coordinator produces analyses. It never returns an error: every analyzer
// failure degrades to Fallback.
type Coordinator struct {
	analyzer analyzer.Analyzer
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. A nil analyzer behaves like
// analyzer.Disabled; a non-positive timeout uses DefaultTimeout.
func NewCoordinator(a analyzer.Analyzer, timeout time.Duration, logger *slog.Logger) *Coordinator {
	if a == nil {
		a = analyzer.Disabled{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{analyzer: a, timeout: timeout, logger: logger}
}

// Analyze returns an analysis for scores at the requested depth and language.
// Source records whether the analyzer or the fallback produced it.
func (c *Coordinator) Analyze(ctx context.Context, scores []domain.TraitScore, depth domain.Depth, lang domain.Language) *domain.Analysis {
	req := BuildRequest(scores, depth, lang)

	outcome, payload, err := c.call(ctx, req)
	metrics.AnalyzerOutcomes.WithLabelValues(outcome.String()).Inc()

	var result *domain.Analysis
	if outcome == OutcomeStructuredOK {
		result = fromPayload(payload)
	} else {
		c.logger.Warn("Analyzer unavailable, using fallback analysis",
			"outcome", outcome.String(),
			"depth", depth,
			"error", err)
		result = Fallback(scores, req.Language)
	}

	result.Depth = depth
	result.Language = req.Language
	result.TraitScores = scores
	metrics.Analyses.WithLabelValues(string(result.Source), string(depth)).Inc()
	return result
}

// call invokes the analyzer under the coordinator timeout and classifies the
// result. A panicking client counts as a transport failure.
func (c *Coordinator) call(ctx context.Context, req analyzer.Request) (outcome Outcome, payload *analyzer.Payload, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome, payload, err = OutcomeTransportFailure, nil, fmt.Errorf("analyzer panic: %v", r)
		}
	}()

	start := time.Now()
	reply, err := c.analyzer.Analyze(ctx, req)
	metrics.AnalyzerLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		return OutcomeTransportFailure, nil, err
	}
	if ctx.Err() != nil {
		// The client ignored cancellation; its late reply is not trusted.
		return OutcomeTransportFailure, nil, ctx.Err()
	}
	return Classify(reply)
}

// Classify validates an analyzer reply. Structured payloads are checked as
// given; raw text gets a lenient parse that strips code fences and takes the
// outermost JSON object.
func Classify(reply *analyzer.Reply) (Outcome, *analyzer.Payload, error) {
	if reply == nil {
		return OutcomeStructuredInvalid, nil, fmt.Errorf("empty reply")
	}

	if reply.Structured != nil {
		if err := validate(reply.Structured); err != nil {
			return OutcomeStructuredInvalid, nil, err
		}
		return OutcomeStructuredOK, reply.Structured, nil
	}

	payload, err := parseLenient(reply.Raw)
	if err != nil {
		return OutcomeStructuredInvalid, nil, err
	}
	if err := validate(payload); err != nil {
		return OutcomeStructuredInvalid, nil, err
	}
	return OutcomeStructuredOK, payload, nil
}

func parseLenient(raw string) (*analyzer.Payload, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var payload analyzer.Payload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &payload, nil
}

func validate(p *analyzer.Payload) error {
	if strings.TrimSpace(p.PersonalityType) == "" {
		return fmt.Errorf("reply missing personalityType")
	}
	if strings.TrimSpace(p.Analysis) == "" {
		return fmt.Errorf("reply missing analysis")
	}
	return nil
}

func fromPayload(p *analyzer.Payload) *domain.Analysis {
	return &domain.Analysis{
		PersonalityType: strings.TrimSpace(p.PersonalityType),
		Narrative:       strings.TrimSpace(p.Analysis),
		Strengths:       cleanList(p.Strengths),
		Challenges:      cleanList(p.Challenges),
		Recommendations: cleanList(p.Recommendations),
		Source:          domain.SourceAnalyzer,
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Package chat routes "!"-prefixed chat commands to the assessment engine
// and renders localized replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/traitlab/internal/analysis"
	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/i18n"
	"github.com/ashureev/traitlab/internal/metrics"
	"github.com/ashureev/traitlab/internal/transcript"
)

var (
	// ErrNoOffer is returned when no completed session can be analyzed.
	ErrNoOffer = errors.New("no analysis offer")
	// ErrOfferExpired is returned when the depth choice window has closed.
	ErrOfferExpired = errors.New("analysis offer expired")
)

// The answer value is a single digit; 5-9 are rejected as out of range.
var answerPattern = regexp.MustCompile(`^!(\d+)\.(\d)$`)

// Inbound is one chat message from a user.
type Inbound struct {
	UserID    string
	Username  string
	ChannelID string
	Text      string
	// Transport names the channel the message arrived on, for transcripts.
	Transport string
}

// AnalysisStore persists produced analyses.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, analysis *domain.Analysis) error
}

// Deps are the collaborators of a Router.
type Deps struct {
	Engine      *assessment.Engine
	Coordinator *analysis.Coordinator
	Analyses    AnalysisStore
	Offers      *Offers
	Catalog     *i18n.Catalog
	Transcript  *transcript.Logger
	Logger      *slog.Logger
}

// Router handles chat commands. It keeps no per-user state besides the
// analysis offers, so one Router serves every connection.
type Router struct {
	engine      *assessment.Engine
	coordinator *analysis.Coordinator
	analyses    AnalysisStore
	offers      *Offers
	render      renderer
	transcript  *transcript.Logger
	logger      *slog.Logger
}

// NewRouter creates a router.
func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Catalog == nil {
		deps.Catalog = i18n.Default()
	}
	if deps.Offers == nil {
		deps.Offers = NewOffers(DefaultOfferTTL)
	}
	return &Router{
		engine:      deps.Engine,
		coordinator: deps.Coordinator,
		analyses:    deps.Analyses,
		offers:      deps.Offers,
		render:      renderer{catalog: deps.Catalog},
		transcript:  deps.Transcript,
		logger:      deps.Logger,
	}
}

// Handle processes one message. Text not starting with "!" is ignored.
// Validation problems and missing sessions become localized guidance. On
// storage errors Handle returns the error together with a localized
// generic failure reply, so transports can log and still answer.
func (r *Router) Handle(ctx context.Context, in Inbound) ([]Reply, error) {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "!") {
		return nil, nil
	}

	lang := domain.DefaultLanguage
	user, err := r.engine.EnsureUser(ctx, in.UserID, in.Username)
	if err != nil {
		return r.failure(lang, in, err)
	}
	lang = user.Language

	r.record(in, transcript.Inbound, "command", text)

	replies, err := r.dispatch(ctx, in, user, text)
	if err != nil {
		return r.failure(lang, in, err)
	}
	for _, reply := range replies {
		r.record(in, transcript.Outbound, reply.Kind, reply.Text)
	}
	return replies, nil
}

// FailureReply is the localized generic error message.
func (r *Router) FailureReply(lang domain.Language) Reply {
	return Reply{Kind: KindError, Text: r.render.catalog.T(lang, "request_failed", nil)}
}

// RateLimitedReply is the localized "slow down" message.
func (r *Router) RateLimitedReply(lang domain.Language) Reply {
	return Reply{Kind: KindError, Text: r.render.catalog.T(lang, "rate_limited", nil)}
}

func (r *Router) failure(lang domain.Language, in Inbound, err error) ([]Reply, error) {
	r.logger.Error("Chat command failed",
		"user_id", in.UserID,
		"channel_id", in.ChannelID,
		"error", err)
	reply := r.FailureReply(lang)
	r.record(in, transcript.Outbound, reply.Kind, reply.Text)
	return []Reply{reply}, err
}

func (r *Router) record(in Inbound, direction, eventType, content string) {
	r.transcript.Log(transcript.Event{
		UserID:     in.UserID,
		ChannelID:  in.ChannelID,
		Transport:  in.Transport,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
	})
}

func (r *Router) dispatch(ctx context.Context, in Inbound, user *domain.User, text string) ([]Reply, error) {
	lang := user.Language
	fields := strings.Fields(strings.ToLower(text))
	command := fields[0]

	switch command {
	case "!start":
		metrics.Commands.WithLabelValues("start").Inc()
		return r.handleStart(ctx, in, user)
	case "!help":
		metrics.Commands.WithLabelValues("help").Inc()
		return []Reply{r.render.text(lang, "help_message", nil)}, nil
	case "!language":
		metrics.Commands.WithLabelValues("language").Inc()
		return r.handleLanguage(ctx, in)
	case "!reset":
		metrics.Commands.WithLabelValues("reset").Inc()
		return r.handleReset(ctx, in, lang)
	case "!continue":
		metrics.Commands.WithLabelValues("continue").Inc()
		return r.handleContinue(ctx, in, lang)
	case "!status":
		metrics.Commands.WithLabelValues("status").Inc()
		return r.handleStatus(ctx, in, lang)
	case "!analysis":
		metrics.Commands.WithLabelValues("analysis").Inc()
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		return r.handleAnalysis(ctx, in, lang, arg)
	}

	if m := answerPattern.FindStringSubmatch(command); m != nil && len(fields) == 1 {
		metrics.Commands.WithLabelValues("answer").Inc()
		return r.handleAnswer(ctx, in, lang, m[1], m[2])
	}

	metrics.Commands.WithLabelValues("invalid").Inc()
	return []Reply{r.render.text(lang, "invalid_command", nil)}, nil
}

func (r *Router) handleStart(ctx context.Context, in Inbound, user *domain.User) ([]Reply, error) {
	lang := user.Language
	res, err := r.engine.Start(ctx, in.UserID, in.ChannelID)
	if err != nil {
		return nil, err
	}

	var replies []Reply
	if res.Created {
		name := user.Username
		if name == "" {
			name = in.Username
		}
		replies = append(replies, Reply{
			Kind: KindText,
			Text: r.render.catalog.T(lang, "test_started", nil) + "\n" +
				r.render.catalog.T(lang, "welcome", i18n.Vars{
					"name":  name,
					"total": strconv.Itoa(r.engine.Total()),
				}),
		})
	} else {
		replies = append(replies, r.render.text(lang, "session_resumed", i18n.Vars{
			"current": strconv.Itoa(res.Session.CurrentQuestion),
		}))
	}

	current, err := r.presentCurrent(ctx, in, lang)
	if err != nil {
		return nil, err
	}
	return append(replies, current...), nil
}

func (r *Router) handleLanguage(ctx context.Context, in Inbound) ([]Reply, error) {
	next, err := r.engine.ToggleLanguage(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	return []Reply{r.render.text(next, "language_changed", nil)}, nil
}

func (r *Router) handleReset(ctx context.Context, in Inbound, lang domain.Language) ([]Reply, error) {
	if _, err := r.engine.Reset(ctx, in.UserID, in.ChannelID); err != nil {
		if errors.Is(err, assessment.ErrNoActiveSession) {
			return []Reply{r.render.text(lang, "no_session", nil)}, nil
		}
		return nil, err
	}
	r.offers.Close(in.UserID, in.ChannelID)

	current, err := r.presentCurrent(ctx, in, lang)
	if err != nil {
		return nil, err
	}
	return append([]Reply{r.render.text(lang, "reset_done", nil)}, current...), nil
}

func (r *Router) handleContinue(ctx context.Context, in Inbound, lang domain.Language) ([]Reply, error) {
	replies, err := r.presentCurrent(ctx, in, lang)
	if errors.Is(err, assessment.ErrNoActiveSession) {
		return []Reply{r.render.text(lang, "no_session", nil)}, nil
	}
	return replies, err
}

// presentCurrent renders the question at the pointer. When the pointer is
// stuck on an answered last question, the first unanswered one is shown
// after a hint instead.
func (r *Router) presentCurrent(ctx context.Context, in Inbound, lang domain.Language) ([]Reply, error) {
	q, progress, err := r.engine.CurrentQuestion(ctx, in.UserID, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if !progress.PointerExhausted {
		return []Reply{r.render.question(lang, q, progress)}, nil
	}
	return r.exhausted(lang, progress)
}

func (r *Router) exhausted(lang domain.Language, progress *assessment.Progress) ([]Reply, error) {
	replies := []Reply{r.render.text(lang, "pointer_exhausted", i18n.Vars{
		"missing": strconv.Itoa(progress.Total - progress.Answered),
		"first":   strconv.Itoa(progress.FirstUnanswered),
	})}
	q, err := r.engine.Bank().Question(progress.FirstUnanswered)
	if err != nil {
		return nil, fmt.Errorf("load question %d: %w", progress.FirstUnanswered, err)
	}
	return append(replies, r.render.question(lang, &q, progress)), nil
}

func (r *Router) handleStatus(ctx context.Context, in Inbound, lang domain.Language) ([]Reply, error) {
	progress, err := r.engine.Progress(ctx, in.UserID, in.ChannelID)
	if errors.Is(err, assessment.ErrNoActiveSession) {
		return []Reply{r.render.text(lang, "no_session", nil)}, nil
	}
	if err != nil {
		return nil, err
	}

	if progress.State == domain.StateCompleted {
		return []Reply{r.render.text(lang, "status_completed", i18n.Vars{
			"current": strconv.Itoa(progress.Answered),
			"total":   strconv.Itoa(progress.Total),
		})}, nil
	}
	return []Reply{{Kind: KindText, Text: r.render.progressLine(lang, progress)}}, nil
}

func (r *Router) handleAnswer(ctx context.Context, in Inbound, lang domain.Language, ordinalText, valueText string) ([]Reply, error) {
	total := strconv.Itoa(r.engine.Total())

	ordinal, err := strconv.Atoi(ordinalText)
	if err != nil {
		// Only overflow can fail here; the pattern guarantees digits.
		return []Reply{r.render.text(lang, "invalid_ordinal", i18n.Vars{"total": total})}, nil
	}
	value, err := strconv.Atoi(valueText)
	if err != nil {
		return []Reply{r.render.text(lang, "invalid_value", nil)}, nil
	}

	res, err := r.engine.Answer(ctx, in.UserID, in.ChannelID, ordinal, value)
	switch {
	case errors.Is(err, assessment.ErrNoActiveSession):
		return []Reply{r.render.text(lang, "no_session", nil)}, nil
	case errors.Is(err, assessment.ErrInvalidOrdinal):
		return []Reply{r.render.text(lang, "invalid_ordinal", i18n.Vars{"total": total})}, nil
	case errors.Is(err, assessment.ErrInvalidValue):
		return []Reply{r.render.text(lang, "invalid_value", nil)}, nil
	case err != nil:
		return nil, err
	}

	replies := []Reply{r.render.text(lang, "answer_recorded", i18n.Vars{"ordinal": strconv.Itoa(ordinal)})}
	switch {
	case res.Completed:
		r.offers.Open(in.UserID, in.ChannelID, res.Session.ID)
		replies = append(replies, r.render.offer(lang, r.offers))
	case res.PointerBlocked:
		more, err := r.exhausted(lang, &res.Progress)
		if err != nil {
			return nil, err
		}
		replies = append(replies, more...)
	case res.Next != nil:
		replies = append(replies, r.render.question(lang, res.Next, &res.Progress))
	}
	return replies, nil
}

func (r *Router) handleAnalysis(ctx context.Context, in Inbound, lang domain.Language, arg string) ([]Reply, error) {
	depth, ok := domain.ParseDepth(arg)
	if !ok {
		return []Reply{r.render.text(lang, "invalid_depth", nil)}, nil
	}

	a, err := r.RequestAnalysis(ctx, in.UserID, in.ChannelID, depth, lang)
	switch {
	case errors.Is(err, ErrOfferExpired):
		return []Reply{r.render.text(lang, "analysis_offer_expired", nil)}, nil
	case errors.Is(err, ErrNoOffer):
		return []Reply{r.render.text(lang, "no_analysis_offer", nil)}, nil
	case err != nil:
		return nil, err
	}
	return []Reply{r.render.analysis(lang, a)}, nil
}

// RequestAnalysis runs the coordinator for the key's open offer and persists
// the result. It returns ErrOfferExpired when the latest session is
// completed but its window has closed, and ErrNoOffer otherwise.
func (r *Router) RequestAnalysis(ctx context.Context, userID, channelID string, depth domain.Depth, lang domain.Language) (*domain.Analysis, error) {
	offer, ok := r.offers.Get(userID, channelID)
	if !ok {
		latest, err := r.engine.LatestSession(ctx, userID, channelID)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.IsCompleted {
			return nil, ErrOfferExpired
		}
		return nil, ErrNoOffer
	}

	scores, err := r.engine.Scores(ctx, offer.SessionID)
	if err != nil {
		return nil, err
	}

	result := r.coordinator.Analyze(ctx, scores, depth, lang)
	result.SessionID = offer.SessionID
	if err := r.analyses.SaveAnalysis(ctx, result); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	r.logger.Info("Analysis produced",
		"user_id", userID,
		"session_id", offer.SessionID,
		"depth", depth,
		"source", result.Source)
	return result, nil
}

// Language returns the stored language of a user, or the default.
func (r *Router) Language(ctx context.Context, userID string) domain.Language {
	user, err := r.engine.EnsureUser(ctx, userID, "")
	if err != nil || user == nil {
		return domain.DefaultLanguage
	}
	return user.Language
}

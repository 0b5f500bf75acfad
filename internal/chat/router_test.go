package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/traitlab/internal/analysis"
	"github.com/ashureev/traitlab/internal/analyzer"
	"github.com/ashureev/traitlab/internal/assessment"
	"github.com/ashureev/traitlab/internal/domain"
	"github.com/ashureev/traitlab/internal/questionbank"
	"github.com/ashureev/traitlab/internal/questionbank/banktest"
	"github.com/ashureev/traitlab/internal/store"
)

type stubAnalyzer struct {
	calls atomic.Int32
	reply *analyzer.Reply
	err   error
}

func (s *stubAnalyzer) Analyze(context.Context, analyzer.Request) (*analyzer.Reply, error) {
	s.calls.Add(1)
	return s.reply, s.err
}

type routerFixture struct {
	router   *Router
	repo     *store.MemoryStore
	offers   *Offers
	analyzer *stubAnalyzer
}

func newRouterFixture(t *testing.T, bank *questionbank.Bank, offerTTL time.Duration) *routerFixture {
	t.Helper()
	repo := store.NewMemory()
	stub := &stubAnalyzer{err: analyzer.ErrDisabled}
	offers := NewOffers(offerTTL)
	r := NewRouter(Deps{
		Engine:      assessment.NewEngine(repo, bank, domain.LangEnglish, nil),
		Coordinator: analysis.NewCoordinator(stub, time.Second, nil),
		Analyses:    repo,
		Offers:      offers,
	})
	return &routerFixture{router: r, repo: repo, offers: offers, analyzer: stub}
}

func (f *routerFixture) send(t *testing.T, text string) []Reply {
	t.Helper()
	replies, err := f.router.Handle(context.Background(), Inbound{
		UserID:    "u1",
		Username:  "alice",
		ChannelID: "c1",
		Text:      text,
		Transport: "test",
	})
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return replies
}

func lastText(t *testing.T, replies []Reply) string {
	t.Helper()
	if len(replies) == 0 {
		t.Fatal("no replies")
	}
	return replies[len(replies)-1].Text
}

func TestNonCommandsAreIgnored(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)

	for _, text := range []string{"", "hello", " start", "1.3"} {
		if replies := f.send(t, text); replies != nil {
			t.Errorf("Handle(%q) = %v, want nil", text, replies)
		}
	}

	u, _ := f.repo.GetUser(context.Background(), "u1")
	if u != nil {
		t.Fatalf("ignored messages created user %+v", u)
	}
}

func TestStartPresentsFirstQuestion(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)

	replies := f.send(t, "!START")
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if !strings.Contains(replies[0].Text, "Welcome alice") {
		t.Errorf("welcome = %q", replies[0].Text)
	}
	q := replies[1]
	if q.Kind != KindQuestion || q.Question == nil || q.Question.Ordinal != 1 {
		t.Fatalf("question reply = %+v", q)
	}
	if len(q.Question.Options) != 5 {
		t.Errorf("options = %v", q.Question.Options)
	}
	if !strings.Contains(q.Text, "Question 1 of 3") || !strings.Contains(q.Text, "`!1.4`") {
		t.Errorf("question text = %q", q.Text)
	}

	replies = f.send(t, "!start")
	if !strings.Contains(replies[0].Text, "Continuing at question 1") {
		t.Errorf("resume text = %q", replies[0].Text)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)

	for _, text := range []string{"!", "!foo", "!1.2 extra", "!1-2", "!starting"} {
		if got := lastText(t, f.send(t, text)); !strings.Contains(got, "Unknown command") {
			t.Errorf("Handle(%q) = %q, want invalid_command", text, got)
		}
	}
	for _, text := range []string{"!analysis", "!analysis deep"} {
		if got := lastText(t, f.send(t, text)); !strings.Contains(got, "Unknown analysis depth") {
			t.Errorf("Handle(%q) = %q, want invalid_depth", text, got)
		}
	}
}

func TestAnswerValidation(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)

	if got := lastText(t, f.send(t, "!1.2")); !strings.Contains(got, "No active test") {
		t.Fatalf("answer without session = %q", got)
	}

	f.send(t, "!start")
	tests := []struct {
		text string
		want string
	}{
		{"!0.2", "Invalid question number"},
		{"!4.2", "Invalid question number"},
		{"!99999999999999999999.1", "Invalid question number"},
		{"!1.5", "Invalid answer value"},
		{"!1.9", "Invalid answer value"},
		{"!1.04", "Unknown command"},
		{"!1.10", "Unknown command"},
		{"!1.", "Unknown command"},
	}
	for _, tt := range tests {
		if got := lastText(t, f.send(t, tt.text)); !strings.Contains(got, tt.want) {
			t.Errorf("Handle(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}

	answers, _ := f.repo.GetAnswers(context.Background(), mustActive(t, f).ID)
	if len(answers) != 0 {
		t.Fatalf("rejected answers were stored: %v", answers)
	}
}

func mustActive(t *testing.T, f *routerFixture) *domain.Session {
	t.Helper()
	s, err := f.repo.GetActiveSession(context.Background(), "u1", "c1")
	if err != nil || s == nil {
		t.Fatalf("GetActiveSession = %v, %v", s, err)
	}
	return s
}

func TestAnswerPresentsNextQuestion(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)
	f.send(t, "!start")

	replies := f.send(t, "!1.3")
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if !strings.Contains(replies[0].Text, "question 1") {
		t.Errorf("ack = %q", replies[0].Text)
	}
	if replies[1].Question == nil || replies[1].Question.Ordinal != 2 {
		t.Fatalf("next = %+v", replies[1])
	}
	if !strings.Contains(replies[1].Text, "Progress: 1/3 (33.3%)") {
		t.Errorf("progress footer missing: %q", replies[1].Text)
	}
}

func TestCompletionOpensOfferAndAnalysisUsesFallback(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 2, 2), time.Minute)
	f.send(t, "!start")
	for _, text := range []string{"!1.4", "!2.4", "!3.0"} {
		f.send(t, text)
	}

	replies := f.send(t, "!4.0")
	offer := replies[len(replies)-1]
	if offer.Kind != KindOffer || len(offer.Depths) != 3 {
		t.Fatalf("offer reply = %+v", offer)
	}
	if _, ok := f.offers.Get("u1", "c1"); !ok {
		t.Fatal("offer not registered")
	}

	got := f.send(t, "!analysis surface")
	if len(got) != 1 || got[0].Kind != KindAnalysis || got[0].Analysis == nil {
		t.Fatalf("analysis reply = %+v", got)
	}
	a := got[0].Analysis
	if a.Source != domain.SourceFallback || a.Depth != domain.DepthSurface {
		t.Errorf("analysis = %+v", a)
	}
	if !strings.Contains(got[0].Text, "Strong Trait 1-1 (100%)") {
		t.Errorf("analysis text = %q", got[0].Text)
	}

	// A second depth inside the window is allowed.
	f.send(t, "!analysis comprehensive")
	stored, err := f.repo.ListAnalyses(context.Background(), a.SessionID)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d analyses, want 2", len(stored))
	}
	if f.analyzer.calls.Load() != 2 {
		t.Errorf("analyzer calls = %d, want 2", f.analyzer.calls.Load())
	}

	if got := lastText(t, f.send(t, "!status")); !strings.Contains(got, "Test completed: 4/4") {
		t.Errorf("status = %q", got)
	}
}

func TestAnalysisFromAnalyzer(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 1), time.Minute)
	f.analyzer.err = nil
	f.analyzer.reply = &analyzer.Reply{Structured: &analyzer.Payload{
		PersonalityType: "Architect",
		Analysis:        "Methodical.",
		Strengths:       []string{"a", "b", "c", "d"},
	}}

	f.send(t, "!start")
	f.send(t, "!1.2")
	reply := f.send(t, "!analysis moderate")[0]

	if reply.Analysis.Source != domain.SourceAnalyzer || reply.Analysis.PersonalityType != "Architect" {
		t.Fatalf("analysis = %+v", reply.Analysis)
	}
	if strings.Contains(reply.Text, "• d") {
		t.Errorf("rendered more than three strengths: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "Challenges:\n• N/A") {
		t.Errorf("empty challenges not rendered: %q", reply.Text)
	}
}

func TestAnalysisOfferExpiry(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 1), 20*time.Millisecond)

	if got := lastText(t, f.send(t, "!analysis surface")); !strings.Contains(got, "No analysis is available") {
		t.Fatalf("analysis before completion = %q", got)
	}

	f.send(t, "!start")
	f.send(t, "!1.2")
	time.Sleep(50 * time.Millisecond)

	if got := lastText(t, f.send(t, "!analysis surface")); !strings.Contains(got, "expired") {
		t.Fatalf("analysis after expiry = %q", got)
	}
	if f.analyzer.calls.Load() != 0 {
		t.Fatalf("analyzer called after expiry")
	}

	_, err := f.router.RequestAnalysis(context.Background(), "u1", "c1", domain.DepthSurface, domain.LangEnglish)
	if !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("RequestAnalysis error = %v, want ErrOfferExpired", err)
	}
}

func TestResetClosesOffer(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 1), time.Minute)

	if got := lastText(t, f.send(t, "!reset")); !strings.Contains(got, "No active test") {
		t.Fatalf("reset without session = %q", got)
	}

	f.send(t, "!start")
	f.send(t, "!1.2")
	replies := f.send(t, "!reset")
	if !strings.Contains(replies[0].Text, "Test reset") {
		t.Fatalf("reset reply = %q", replies[0].Text)
	}
	if replies[1].Question == nil || replies[1].Question.Ordinal != 1 {
		t.Fatalf("reset did not present question 1: %+v", replies[1])
	}
	if _, ok := f.offers.Get("u1", "c1"); ok {
		t.Fatal("offer survived reset")
	}
	if got := lastText(t, f.send(t, "!analysis surface")); !strings.Contains(got, "No analysis is available") {
		t.Fatalf("analysis after reset = %q", got)
	}
}

func TestPointerExhaustionHint(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)
	f.send(t, "!start")
	f.send(t, "!1.1")

	replies := f.send(t, "!3.1")
	if len(replies) != 3 {
		t.Fatalf("got %d replies, want ack, hint, question", len(replies))
	}
	if !strings.Contains(replies[1].Text, "question 2") {
		t.Errorf("hint = %q", replies[1].Text)
	}
	if replies[2].Question == nil || replies[2].Question.Ordinal != 2 {
		t.Fatalf("first unanswered not presented: %+v", replies[2])
	}

	replies = f.send(t, "!continue")
	if replies[len(replies)-1].Question.Ordinal != 2 {
		t.Fatalf("continue presented %+v", replies[len(replies)-1].Question)
	}

	if got := lastText(t, f.send(t, "!status")); !strings.Contains(got, "Progress: 2/3 (66.7%)") {
		t.Errorf("status = %q", got)
	}
}

func TestLanguageToggle(t *testing.T) {
	f := newRouterFixture(t, banktest.New(1, 1, 3), time.Minute)

	if got := lastText(t, f.send(t, "!language")); got != "تم تغيير اللغة إلى العربية." {
		t.Fatalf("toggle to ar = %q", got)
	}
	if got := lastText(t, f.send(t, "!continue")); !strings.Contains(got, "لا يوجد اختبار نشط") {
		t.Fatalf("continue in ar = %q", got)
	}
	if got := lastText(t, f.send(t, "!Language")); got != "Language changed to English." {
		t.Fatalf("toggle to en = %q", got)
	}
}

type failingAnalyses struct{}

func (failingAnalyses) SaveAnalysis(context.Context, *domain.Analysis) error {
	return errors.New("disk full")
}

func TestStorageErrorReturnsFailureReply(t *testing.T) {
	repo := store.NewMemory()
	r := NewRouter(Deps{
		Engine:      assessment.NewEngine(repo, banktest.New(1, 1, 1), domain.LangEnglish, nil),
		Coordinator: analysis.NewCoordinator(nil, time.Second, nil),
		Analyses:    failingAnalyses{},
	})
	ctx := context.Background()
	in := Inbound{UserID: "u1", ChannelID: "c1"}

	for _, text := range []string{"!start", "!1.0"} {
		in.Text = text
		if _, err := r.Handle(ctx, in); err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
	}

	in.Text = "!analysis surface"
	replies, err := r.Handle(ctx, in)
	if err == nil {
		t.Fatal("expected storage error")
	}
	if len(replies) != 1 || replies[0].Kind != KindError || !strings.Contains(replies[0].Text, "An error occurred") {
		t.Fatalf("replies = %+v", replies)
	}
}

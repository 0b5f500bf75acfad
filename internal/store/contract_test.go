package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ashureev/traitlab/internal/domain"
)

// testRepository runs the behaviour every backend must share.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("Users", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		u, err := repo.GetUser(ctx, "u1")
		if err != nil || u != nil {
			t.Fatalf("GetUser(missing) = %v, %v; want nil, nil", u, err)
		}

		if err := repo.CreateUser(ctx, &domain.User{UserID: "u1", Username: "alice", Language: domain.LangArabic}); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if err := repo.CreateUser(ctx, &domain.User{UserID: "u1", Username: "other", Language: domain.LangEnglish}); err != nil {
			t.Fatalf("CreateUser(existing): %v", err)
		}

		u, err = repo.GetUser(ctx, "u1")
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Username != "alice" || u.Language != domain.LangArabic {
			t.Fatalf("existing user was overwritten: %+v", u)
		}

		if err := repo.SetUserLanguage(ctx, "u1", domain.LangEnglish); err != nil {
			t.Fatalf("SetUserLanguage: %v", err)
		}
		u, _ = repo.GetUser(ctx, "u1")
		if u.Language != domain.LangEnglish {
			t.Fatalf("language = %q, want en", u.Language)
		}

		if err := repo.SetUserLanguage(ctx, "nobody", domain.LangEnglish); !errors.Is(err, ErrUserNotFound) {
			t.Fatalf("SetUserLanguage(missing) = %v, want ErrUserNotFound", err)
		}
	})

	t.Run("OneActiveSessionPerKey", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, err := repo.CreateSession(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if s.CurrentQuestion != 1 || s.IsCompleted || s.ID == "" {
			t.Fatalf("unexpected new session: %+v", s)
		}

		if _, err := repo.CreateSession(ctx, "u1", "c1"); !errors.Is(err, ErrActiveSessionExists) {
			t.Fatalf("second CreateSession = %v, want ErrActiveSessionExists", err)
		}

		other, err := repo.CreateSession(ctx, "u1", "c2")
		if err != nil {
			t.Fatalf("CreateSession(other channel): %v", err)
		}
		if other.ID == s.ID {
			t.Fatal("sessions on different channels share an id")
		}

		active, err := repo.GetActiveSession(ctx, "u1", "c1")
		if err != nil || active == nil || active.ID != s.ID {
			t.Fatalf("GetActiveSession = %+v, %v; want %s", active, err, s.ID)
		}
	})

	t.Run("CompleteAndRestart", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		first, err := repo.CreateSession(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := repo.CompleteSession(ctx, first.ID); err != nil {
			t.Fatalf("CompleteSession: %v", err)
		}

		active, err := repo.GetActiveSession(ctx, "u1", "c1")
		if err != nil || active != nil {
			t.Fatalf("GetActiveSession after completion = %+v, %v; want nil", active, err)
		}
		latest, err := repo.GetLatestSession(ctx, "u1", "c1")
		if err != nil || latest == nil || latest.ID != first.ID || !latest.IsCompleted {
			t.Fatalf("GetLatestSession = %+v, %v", latest, err)
		}

		second, err := repo.CreateSession(ctx, "u1", "c1")
		if err != nil {
			t.Fatalf("CreateSession after completion: %v", err)
		}
		latest, _ = repo.GetLatestSession(ctx, "u1", "c1")
		if latest.ID != second.ID {
			t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
		}

		// Re-opening the completed session would create a second active one.
		err = repo.WithSession(ctx, first.ID, func(tx *SessionTx) error {
			tx.Reset()
			return nil
		})
		if !errors.Is(err, ErrActiveSessionExists) {
			t.Fatalf("reopen with active sibling = %v, want ErrActiveSessionExists", err)
		}

		got, _ := repo.GetSession(ctx, first.ID)
		if !got.IsCompleted {
			t.Fatal("rejected reopen still changed the session")
		}
	})

	t.Run("ResetReopensCompletedSession", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, _ := repo.CreateSession(ctx, "u1", "c1")
		if err := repo.SaveAnswer(ctx, s.ID, 1, 3); err != nil {
			t.Fatalf("SaveAnswer: %v", err)
		}
		if err := repo.CompleteSession(ctx, s.ID); err != nil {
			t.Fatalf("CompleteSession: %v", err)
		}

		err := repo.WithSession(ctx, s.ID, func(tx *SessionTx) error {
			tx.Reset()
			return nil
		})
		if err != nil {
			t.Fatalf("reset: %v", err)
		}

		active, err := repo.GetActiveSession(ctx, "u1", "c1")
		if err != nil || active == nil || active.ID != s.ID {
			t.Fatalf("GetActiveSession after reopen = %+v, %v", active, err)
		}
		if active.CurrentQuestion != 1 {
			t.Fatalf("current question = %d, want 1", active.CurrentQuestion)
		}
		answers, _ := repo.GetAnswers(ctx, s.ID)
		if len(answers) != 0 {
			t.Fatalf("answers after reset = %v, want none", answers)
		}
		if _, err := repo.CreateSession(ctx, "u1", "c1"); !errors.Is(err, ErrActiveSessionExists) {
			t.Fatalf("CreateSession after reopen = %v, want ErrActiveSessionExists", err)
		}
	})

	t.Run("Answers", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, _ := repo.CreateSession(ctx, "u1", "c1")
		for _, a := range []struct{ ordinal, value int }{{1, 2}, {5, 4}, {1, 0}} {
			if err := repo.SaveAnswer(ctx, s.ID, a.ordinal, a.value); err != nil {
				t.Fatalf("SaveAnswer(%d): %v", a.ordinal, err)
			}
		}

		answers, err := repo.GetAnswers(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetAnswers: %v", err)
		}
		if len(answers) != 2 || answers[1] != 0 || answers[5] != 4 {
			t.Fatalf("answers = %v, want map[1:0 5:4]", answers)
		}
	})

	t.Run("WithSession", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, _ := repo.CreateSession(ctx, "u1", "c1")
		err := repo.WithSession(ctx, s.ID, func(tx *SessionTx) error {
			tx.SetAnswer(7, 1)
			tx.SetCurrentQuestion(8)
			if tx.AnsweredCount() != 1 {
				t.Errorf("AnsweredCount = %d, want 1", tx.AnsweredCount())
			}
			return nil
		})
		if err != nil {
			t.Fatalf("WithSession: %v", err)
		}

		got, _ := repo.GetSession(ctx, s.ID)
		if got.CurrentQuestion != 8 {
			t.Fatalf("current question = %d, want 8", got.CurrentQuestion)
		}

		boom := errors.New("boom")
		err = repo.WithSession(ctx, s.ID, func(tx *SessionTx) error {
			tx.SetAnswer(9, 4)
			tx.SetCurrentQuestion(10)
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithSession error = %v, want boom", err)
		}
		got, _ = repo.GetSession(ctx, s.ID)
		answers, _ := repo.GetAnswers(ctx, s.ID)
		if got.CurrentQuestion != 8 || len(answers) != 1 {
			t.Fatalf("failed callback leaked changes: pointer=%d answers=%v", got.CurrentQuestion, answers)
		}

		pointer := 12
		if err := repo.UpdateSession(ctx, s.ID, SessionUpdate{CurrentQuestion: &pointer}); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		got, _ = repo.GetSession(ctx, s.ID)
		if got.CurrentQuestion != 12 || got.IsCompleted {
			t.Fatalf("after UpdateSession: %+v", got)
		}

		err = repo.WithSession(ctx, "missing", func(*SessionTx) error { return nil })
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("WithSession(missing) = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("ConcurrentWritersDoNotLoseUpdates", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, _ := repo.CreateSession(ctx, "u1", "c1")
		const writers = 8

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(ordinal int) {
				defer wg.Done()
				errs <- repo.WithSession(ctx, s.ID, func(tx *SessionTx) error {
					tx.SetAnswer(ordinal, 2)
					tx.SetCurrentQuestion(tx.Session().CurrentQuestion + 1)
					return nil
				})
			}(i + 1)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("WithSession: %v", err)
			}
		}

		got, _ := repo.GetSession(ctx, s.ID)
		answers, _ := repo.GetAnswers(ctx, s.ID)
		if got.CurrentQuestion != 1+writers {
			t.Fatalf("current question = %d, want %d", got.CurrentQuestion, 1+writers)
		}
		if len(answers) != writers {
			t.Fatalf("answers = %d, want %d", len(answers), writers)
		}
	})

	t.Run("Analyses", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		s, _ := repo.CreateSession(ctx, "u1", "c1")
		for _, depth := range []domain.Depth{domain.DepthSurface, domain.DepthComprehensive} {
			a := &domain.Analysis{
				SessionID:       s.ID,
				Depth:           depth,
				Language:        domain.LangEnglish,
				TraitScores:     []domain.TraitScore{{TraitID: "t1", Score: 3, Percentage: 75, Level: domain.LevelHigh}},
				PersonalityType: "Balanced Personality",
				Narrative:       "text",
				Strengths:       []string{"a"},
				Challenges:      []string{},
				Recommendations: []string{"r1", "r2"},
				Source:          domain.SourceFallback,
			}
			if err := repo.SaveAnalysis(ctx, a); err != nil {
				t.Fatalf("SaveAnalysis: %v", err)
			}
			if a.ID == "" || a.CreatedAt.IsZero() {
				t.Fatalf("SaveAnalysis did not assign id/timestamp: %+v", a)
			}
		}

		list, err := repo.ListAnalyses(ctx, s.ID)
		if err != nil {
			t.Fatalf("ListAnalyses: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("len = %d, want 2", len(list))
		}
		if list[0].Depth != domain.DepthSurface || list[1].Depth != domain.DepthComprehensive {
			t.Fatalf("analyses out of order: %s, %s", list[0].Depth, list[1].Depth)
		}
		first := list[0]
		if first.PersonalityType != "Balanced Personality" || len(first.Recommendations) != 2 ||
			len(first.TraitScores) != 1 || first.TraitScores[0].Level != domain.LevelHigh ||
			first.Source != domain.SourceFallback {
			t.Fatalf("analysis round trip mismatch: %+v", first)
		}

		empty, err := repo.ListAnalyses(ctx, "other")
		if err != nil || len(empty) != 0 {
			t.Fatalf("ListAnalyses(other) = %v, %v", empty, err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := newRepo(t).Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

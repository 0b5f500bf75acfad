package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/traitlab/internal/domain"
)

func TestFileStore(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		f, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
		if err != nil {
			t.Fatalf("NewFile: %v", err)
		}
		return f
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.CreateUser(ctx, &domain.User{UserID: "u1", Username: "alice", Language: domain.LangEnglish}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	s, err := f.CreateSession(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.SaveAnswer(ctx, s.ID, 2, 1); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	u, _ := reopened.GetUser(ctx, "u1")
	if u == nil || u.Language != domain.LangEnglish {
		t.Fatalf("user after reopen = %+v", u)
	}
	active, _ := reopened.GetActiveSession(ctx, "u1", "c1")
	if active == nil || active.ID != s.ID {
		t.Fatalf("active session after reopen = %+v", active)
	}
	answers, _ := reopened.GetAnswers(ctx, s.ID)
	if answers[2] != 1 {
		t.Fatalf("answers after reopen = %v", answers)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFileStoreRollsBackFailedWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.CreateUser(ctx, &domain.User{UserID: "u1", Username: "alice", Language: domain.LangArabic}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	s, err := f.CreateSession(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A directory at the state path makes the final rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}

	if err := f.SaveAnswer(ctx, s.ID, 1, 3); err == nil {
		t.Fatal("Expected SaveAnswer to fail")
	}
	if answers, _ := f.GetAnswers(ctx, s.ID); len(answers) != 0 {
		t.Errorf("Expected no answers after failed write, got %v", answers)
	}

	if err := f.CompleteSession(ctx, s.ID); err == nil {
		t.Fatal("Expected CompleteSession to fail")
	}
	if active, _ := f.GetActiveSession(ctx, "u1", "c1"); active == nil || active.IsCompleted {
		t.Errorf("Expected session to stay active, got %+v", active)
	}

	if _, err := f.CreateSession(ctx, "u1", "c2"); err == nil {
		t.Fatal("Expected CreateSession to fail")
	}
	if active, _ := f.GetActiveSession(ctx, "u1", "c2"); active != nil {
		t.Errorf("Expected no session on c2, got %+v", active)
	}
	if latest, _ := f.GetLatestSession(ctx, "u1", "c1"); latest == nil || latest.ID != s.ID {
		t.Errorf("Expected latest session %s, got %+v", s.ID, latest)
	}

	if err := f.CreateUser(ctx, &domain.User{UserID: "u2", Language: domain.LangEnglish}); err == nil {
		t.Fatal("Expected CreateUser to fail")
	}
	if u, _ := f.GetUser(ctx, "u2"); u != nil {
		t.Errorf("Expected no user u2, got %+v", u)
	}

	if err := f.SetUserLanguage(ctx, "u1", domain.LangEnglish); err == nil {
		t.Fatal("Expected SetUserLanguage to fail")
	}
	if u, _ := f.GetUser(ctx, "u1"); u == nil || u.Language != domain.LangArabic {
		t.Errorf("Expected language to stay ar, got %+v", u)
	}

	if err := f.SaveAnalysis(ctx, &domain.Analysis{SessionID: s.ID}); err == nil {
		t.Fatal("Expected SaveAnalysis to fail")
	}
	if list, _ := f.ListAnalyses(ctx, s.ID); len(list) != 0 {
		t.Errorf("Expected no analyses, got %d", len(list))
	}

	// Once the path is writable again, only accepted writes reach disk.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := f.SaveAnswer(ctx, s.ID, 2, 4); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	answers, _ := reopened.GetAnswers(ctx, s.ID)
	if len(answers) != 1 || answers[2] != 4 {
		t.Errorf("Expected answers map[2:4] on disk, got %v", answers)
	}
	if u, _ := reopened.GetUser(ctx, "u2"); u != nil {
		t.Errorf("Expected failed user to stay off disk, got %+v", u)
	}
}

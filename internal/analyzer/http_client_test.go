package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
)

func TestHTTPClientSendsChatCompletion(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"personalityType\":\"X\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/v1/", "secret", "test-model", 5*time.Second)
	reply, err := c.Analyze(context.Background(), Request{
		Instruction: "system",
		Prompt:      "user",
		Depth:       domain.DepthSurface,
		Language:    domain.LangEnglish,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if reply.Raw != `{"personalityType":"X"}` || reply.Structured != nil {
		t.Fatalf("reply = %+v", reply)
	}

	if got.Model != "test-model" || got.Stream || got.MaxTokens != 2048 || got.Temperature != 0.7 {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("response_format = %v", got.ResponseFormat)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"server error", http.StatusBadGateway, "upstream down", "status 502"},
		{"bad json", http.StatusOK, "not json", "decode"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClient(srv.URL, "", "m", time.Second).Analyze(context.Background(), Request{})
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestHTTPClientHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(srv.URL, "", "m", time.Minute).Analyze(ctx, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDisabled(t *testing.T) {
	if _, err := (Disabled{}).Analyze(context.Background(), Request{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

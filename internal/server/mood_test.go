package server

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"mindwell/backend/internal/config"
)

func newMoodTestApp(ai InferenceClient) *App {
	return &App{
		cfg: config.Config{
			OllamaModel:        "llama3",
			MoodTimeoutSeconds: 1,
		},
		ai:  ai,
		log: zerolog.Nop(),
	}
}

func TestDetectMoodUsesModelLabel(t *testing.T) {
	app := newMoodTestApp(&MockInferenceClient{Response: "  Anxious \n"})
	if got := app.detectMood(context.Background(), "worried about tomorrow"); got != "anxious" {
		t.Fatalf("expected anxious, got %q", got)
	}
}

func TestDetectMoodOffListBecomesNeutral(t *testing.T) {
	app := newMoodTestApp(&MockInferenceClient{Response: "melancholic"})
	if got := app.detectMood(context.Background(), "hmm"); got != "neutral" {
		t.Fatalf("expected neutral for off-list label, got %q", got)
	}
}

func TestDetectMoodFallsBackOnError(t *testing.T) {
	app := newMoodTestApp(&MockInferenceClient{Err: errors.New("model down")})
	if got := app.detectMood(context.Background(), "I feel so stressed and overwhelmed"); got != "stressed" {
		t.Fatalf("expected keyword fallback stressed, got %q", got)
	}
}

func TestKeywordMood(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"what a great day", "happy"},
		{"feeling sad tonight", "sad"},
		{"so worried about everything", "anxious"},
		{"too much pressure at work", "stressed"},
		{"I am mad about this", "angry"},
		{"just checking in", "neutral"},
	}
	for _, tc := range cases {
		if got := keywordMood(tc.message); got != tc.want {
			t.Fatalf("keywordMood(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func integrationDay() time.Time {
	return time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
}

func TestRecomputeDailyScoreCountsConcurrentMessages(t *testing.T) {
	requireIntegration(t)
	resetDatabase(t)

	app := newIntegrationApp(t, &MockInferenceClient{})
	userID := seedTestUser(t, "")
	day := integrationDay()

	const messageCount = 8
	records := make([]messageRecord, 0, messageCount)
	for i := 0; i < messageCount; i++ {
		at := day.Add(time.Duration(i) * time.Hour)
		records = append(records, seedTestMessage(t, userID, "feeling stressed about work", "user", at))
	}

	// Every analyzer recomputes the full day, so any interleaving must
	// land on the exact count.
	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(msg messageRecord) {
			defer wg.Done()
			app.runAnalysis(context.Background(), msg)
		}(record)
	}
	wg.Wait()

	if got := countRows(t, `SELECT COUNT(*) FROM "MessageAnalysis"`); got != messageCount {
		t.Fatalf("expected %d analyses, got %d", messageCount, got)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM "MentalHealthScore" WHERE "userId" = $1`, userID); got != 1 {
		t.Fatalf("expected a single score row, got %d", got)
	}

	score, err := app.loadScoreForDay(context.Background(), userID, day)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if score == nil {
		t.Fatalf("expected a score row for the day")
	}
	if score.MessageCount != messageCount {
		t.Fatalf("expected messageCount %d, got %d", messageCount, score.MessageCount)
	}
}

func TestInsightIsGeneratedAtMostOncePerDay(t *testing.T) {
	requireIntegration(t)
	resetDatabase(t)

	app := newIntegrationApp(t, &MockInferenceClient{})
	userID := seedTestUser(t, "")
	day := integrationDay()

	first := seedTestMessage(t, userID, "I feel stressed and tired about work", "user", day.Add(9*time.Hour))
	app.runAnalysis(context.Background(), first)

	insight, err := app.loadInsightForDay(context.Background(), userID, day)
	if err != nil {
		t.Fatalf("load insight: %v", err)
	}
	if insight == nil {
		t.Fatalf("expected insight after first analysis")
	}
	firstSummary := insight.Summary

	// A later analysis shifts the day's averages, but the insight row is
	// terminal once written.
	second := seedTestMessage(t, userID, "actually feeling grateful and happy now", "user", day.Add(20*time.Hour))
	app.runAnalysis(context.Background(), second)

	if err := app.maybeGenerateInsight(context.Background(), userID, day); err != nil {
		t.Fatalf("regenerate insight: %v", err)
	}

	if got := countRows(t, `SELECT COUNT(*) FROM "DailyInsight" WHERE "userId" = $1`, userID); got != 1 {
		t.Fatalf("expected a single insight row, got %d", got)
	}
	insight, err = app.loadInsightForDay(context.Background(), userID, day)
	if err != nil {
		t.Fatalf("reload insight: %v", err)
	}
	if insight.Summary != firstSummary {
		t.Fatalf("insight was rewritten: %q != %q", insight.Summary, firstSummary)
	}
}

func TestRunDailyBatchIsIdempotent(t *testing.T) {
	requireIntegration(t)
	resetDatabase(t)

	app := newIntegrationApp(t, &MockInferenceClient{})
	day := integrationDay()

	userA := seedTestUser(t, "")
	userB := seedTestUser(t, "")
	for i, userID := range []string{userA, userA, userB} {
		msg := seedTestMessage(t, userID, "worried and overwhelmed about the exam", "user", day.Add(time.Duration(i+1)*time.Hour))
		app.runAnalysis(context.Background(), msg)
	}

	app.runDailyBatch(context.Background(), day)
	app.runDailyBatch(context.Background(), day)

	if got := countRows(t, `SELECT COUNT(*) FROM "MentalHealthScore"`); got != 2 {
		t.Fatalf("expected one score row per user, got %d", got)
	}
	if got := countRows(t, `SELECT COUNT(*) FROM "DailyInsight"`); got != 2 {
		t.Fatalf("expected one insight row per user, got %d", got)
	}

	scoreA, err := app.loadScoreForDay(context.Background(), userA, day)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if scoreA == nil || scoreA.MessageCount != 2 {
		t.Fatalf("expected messageCount 2 for first user, got %+v", scoreA)
	}
	scoreB, err := app.loadScoreForDay(context.Background(), userB, day)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if scoreB == nil || scoreB.MessageCount != 1 {
		t.Fatalf("expected messageCount 1 for second user, got %+v", scoreB)
	}
}

func TestChatStreamPromptUsesOnlyPriorTurns(t *testing.T) {
	requireIntegration(t)
	resetDatabase(t)

	mock := &MockInferenceClient{Chunks: []string{"I hear ", "you."}}
	app := newIntegrationApp(t, mock)
	router := app.Router()
	userID := seedTestUser(t, "")
	token := signTestToken(t, userID)

	firstMessage := "I had a rough morning"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"message":"`+firstMessage+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(mock.Prompts) == 0 {
		t.Fatalf("expected prompts to be recorded")
	}
	firstPrompt := mock.Prompts[len(mock.Prompts)-1]
	if !strings.Contains(firstPrompt, "first message") {
		t.Fatalf("expected first-contact framing with no history, got %q", firstPrompt)
	}
	if got := strings.Count(firstPrompt, firstMessage); got != 1 {
		t.Fatalf("expected current message exactly once in prompt, got %d:\n%s", got, firstPrompt)
	}

	secondMessage := "Feeling calmer now"
	req = httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"message":"`+secondMessage+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	secondPrompt := mock.Prompts[len(mock.Prompts)-1]
	if !strings.Contains(secondPrompt, "User: "+firstMessage) {
		t.Fatalf("expected prior turn in transcript, got %q", secondPrompt)
	}
	if !strings.Contains(secondPrompt, "Assistant: I hear you.") {
		t.Fatalf("expected prior bot reply in transcript, got %q", secondPrompt)
	}
	if got := strings.Count(secondPrompt, secondMessage); got != 1 {
		t.Fatalf("expected current message exactly once in prompt, got %d:\n%s", got, secondPrompt)
	}
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type messageRecord struct {
	ID        string
	UserID    string
	Text      string
	Sender    string
	Timestamp time.Time
}

// analysisResult is one message's derived metric vector. Numeric fields
// are pointers so a rejected model field stays unset instead of biasing
// aggregates toward zero.
type analysisResult struct {
	Sentiment string
	Mood      *float64
	Anxiety   *float64
	Stress    *float64
	Energy    *float64
	Keywords  []string
	Topics    []string
	Raw       string
}

const analysisListCap = 25

var negativeWords = []string{
	"sad", "depressed", "anxious", "stressed", "angry",
	"panic", "worried", "overwhelmed", "hopeless", "lonely",
}

var positiveWords = []string{
	"grateful", "happy", "calm", "relaxed", "good", "better", "progress", "proud",
}

var anxietyMarkers = []string{"anxious", "panic", "panicking", "nervous"}

var fatigueMarkers = []string{"tired", "exhausted", "drained", "sleepy"}

var topicLexicon = []string{"work", "sleep", "family", "study", "exam"}

var allowedSentiments = map[string]struct{}{
	"positive": {},
	"negative": {},
	"neutral":  {},
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '-'
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		tokens[field] = struct{}{}
	}
	return tokens
}

func countHits(tokens map[string]struct{}, lexicon []string) int {
	hits := 0
	for _, word := range lexicon {
		if _, ok := tokens[word]; ok {
			hits++
		}
	}
	return hits
}

func anyHit(tokens map[string]struct{}, lexicon []string) bool {
	return countHits(tokens, lexicon) > 0
}

func clampMetric(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 10 {
		return 10
	}
	return value
}

func metricPtr(value float64) *float64 {
	clamped := clampMetric(value)
	return &clamped
}

// heuristicAnalyze scores a message from fixed lexicons. Always available,
// no external dependency.
func heuristicAnalyze(text string) analysisResult {
	tokens := tokenize(text)
	lowered := strings.ToLower(text)

	negHits := countHits(tokens, negativeWords)
	posHits := countHits(tokens, positiveWords)

	sentiment := "neutral"
	switch {
	case negHits > posHits && negHits > 0:
		sentiment = "negative"
	case posHits > negHits && posHits > 0:
		sentiment = "positive"
	}

	stress := float64(min(10, 2*negHits))

	var anxiety float64
	if anyHit(tokens, anxietyMarkers) {
		anxiety = float64(min(10, 4+negHits))
	} else {
		anxiety = float64(min(10, negHits))
	}

	var mood float64
	switch sentiment {
	case "positive":
		mood = float64(7 + posHits)
	case "negative":
		mood = float64(max(0, 5-negHits))
	default:
		mood = 5
	}

	energy := 6.0
	if anyHit(tokens, fatigueMarkers) {
		energy = 3.0
	}

	keywords := make([]string, 0, 8)
	for _, lexicon := range [][]string{negativeWords, positiveWords, anxietyMarkers, fatigueMarkers} {
		for _, word := range lexicon {
			if _, ok := tokens[word]; ok && !containsString(keywords, word) {
				keywords = append(keywords, word)
			}
		}
	}

	topics := make([]string, 0, 4)
	for _, topic := range topicLexicon {
		if strings.Contains(lowered, topic) {
			topics = append(topics, topic)
		}
	}

	return analysisResult{
		Sentiment: sentiment,
		Mood:      metricPtr(mood),
		Anxiety:   metricPtr(anxiety),
		Stress:    metricPtr(stress),
		Energy:    metricPtr(energy),
		Keywords:  keywords,
		Topics:    topics,
		Raw:       mustMarshalJSON(map[string]any{"heuristic": true, "counts": map[string]int{"posHits": posHits, "negHits": negHits}}),
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func analysisPrompt(text string) string {
	return strings.Join([]string{
		"You are a mental health analysis model.",
		"Analyze the following message and return ONLY a JSON object with exactly these keys:",
		"{",
		`  "sentiment": "positive" | "negative" | "neutral",`,
		`  "mood": 0-10,`,
		`  "anxiety": 0-10,`,
		`  "stress": 0-10,`,
		`  "energy": 0-10,`,
		`  "keywords": [ "word1", "word2", ... ],`,
		`  "topics": [ "topic1", "topic2", ... ]`,
		"}",
		"",
		fmt.Sprintf("Message: %q", text),
		"Return ONLY JSON, no extra text.",
	}, "\n")
}

// parseAnalysisJSON is a two-stage parse: strict first, then the
// brace-delimited substring to tolerate preamble/postamble noise. A false
// return means "unparseable", which callers treat as skip, not error.
func parseAnalysisJSON(raw string) (analysisResult, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return analysisResult{}, false
	}
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "```json"))
		candidate = strings.TrimSpace(strings.TrimPrefix(candidate, "```"))
		candidate = strings.TrimSpace(strings.TrimSuffix(candidate, "```"))
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			return analysisResult{}, false
		}
		slice := candidate[start : end+1]
		if err := json.Unmarshal([]byte(slice), &parsed); err != nil {
			return analysisResult{}, false
		}
	}
	if parsed == nil {
		return analysisResult{}, false
	}

	sentiment := strings.ToLower(strings.TrimSpace(toString(parsed["sentiment"])))
	if _, ok := allowedSentiments[sentiment]; !ok {
		sentiment = "neutral"
	}

	return analysisResult{
		Sentiment: sentiment,
		Mood:      safeMetric(parsed["mood"]),
		Anxiety:   safeMetric(parsed["anxiety"]),
		Stress:    safeMetric(parsed["stress"]),
		Energy:    safeMetric(parsed["energy"]),
		Keywords:  stringList(parsed["keywords"], analysisListCap),
		Topics:    stringList(parsed["topics"], analysisListCap),
		Raw:       mustMarshalJSON(map[string]any{"output": raw}),
	}, true
}

// safeMetric accepts only numbers within [0,10]; anything else is unset.
func safeMetric(value any) *float64 {
	number, ok := value.(float64)
	if !ok {
		return nil
	}
	if number < 0 || number > 10 {
		return nil
	}
	return &number
}

func stringList(value any, limit int) []string {
	items, ok := value.([]any)
	if !ok {
		return []string{}
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		text, ok := item.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
		if len(result) >= limit {
			break
		}
	}
	return result
}

func (a *App) modelAnalyze(ctx context.Context, text string) (analysisResult, bool) {
	analysisCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.AnalysisTimeoutSeconds)*time.Second)
	defer cancel()

	raw, err := a.ai.Generate(analysisCtx, a.cfg.OllamaModel, analysisPrompt(text))
	if err != nil {
		a.log.Warn().Err(err).Str("component", "analyzer").Msg("model analysis failed, skipping")
		return analysisResult{}, false
	}
	result, ok := parseAnalysisJSON(raw)
	if !ok {
		a.log.Warn().Str("component", "analyzer").Str("output", truncateForLog(raw, 400)).Msg("model output unparseable, skipping analysis")
		return analysisResult{}, false
	}
	return result, true
}

// runAnalysis is the detached unit of work behind the message-creation
// response: score the message, record the analysis exactly once, then
// fold it into the day's aggregate and try the daily insight.
func (a *App) runAnalysis(ctx context.Context, msg messageRecord) {
	if strings.ToLower(strings.TrimSpace(msg.Sender)) != "user" {
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	var result analysisResult
	if a.cfg.AnalyzerUseModel {
		modelResult, ok := a.modelAnalyze(ctx, msg.Text)
		if !ok {
			return
		}
		result = modelResult
	} else {
		result = heuristicAnalyze(msg.Text)
	}

	created, err := a.insertAnalysis(ctx, msg.ID, result)
	if err != nil {
		a.log.Error().Err(err).Str("component", "analyzer").Str("message_id", msg.ID).Msg("failed to store analysis")
		return
	}
	if !created {
		a.log.Debug().Str("component", "analyzer").Str("message_id", msg.ID).Msg("analysis already exists")
	}

	if _, err := a.db.Exec(ctx, `UPDATE "ChatMessage" SET analyzed = TRUE WHERE id = $1`, msg.ID); err != nil {
		a.log.Error().Err(err).Str("component", "analyzer").Str("message_id", msg.ID).Msg("failed to flag message analyzed")
	}

	day := startOfUTCDay(msg.Timestamp)
	if _, err := a.recomputeDailyScore(ctx, msg.UserID, day); err != nil {
		a.log.Error().Err(err).Str("component", "aggregator").Str("user_id", msg.UserID).Msg("daily score recompute failed")
		return
	}
	if err := a.maybeGenerateInsight(ctx, msg.UserID, day); err != nil {
		a.log.Error().Err(err).Str("component", "insights").Str("user_id", msg.UserID).Msg("insight generation failed")
	}
}

// insertAnalysis enforces the 1:1 message/analysis invariant through the
// unique key; a conflicting insert means another worker got there first.
func (a *App) insertAnalysis(ctx context.Context, messageID string, result analysisResult) (bool, error) {
	tag, err := a.db.Exec(
		ctx,
		`INSERT INTO "MessageAnalysis" (
			id, "messageId", sentiment, mood, anxiety, stress, energy, keywords, topics, raw, "createdAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT ("messageId") DO NOTHING`,
		uuid.NewString(),
		messageID,
		result.Sentiment,
		result.Mood,
		result.Anxiety,
		result.Stress,
		result.Energy,
		result.Keywords,
		result.Topics,
		result.Raw,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

package server

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var moodLabels = map[string]struct{}{
	"happy":    {},
	"sad":      {},
	"anxious":  {},
	"stressed": {},
	"angry":    {},
	"neutral":  {},
}

var moodKeywordFallback = []struct {
	mood     string
	keywords []string
}{
	{"happy", []string{"happy", "great", "good"}},
	{"sad", []string{"sad", "depressed", "unhappy"}},
	{"anxious", []string{"anxious", "worried", "nervous"}},
	{"stressed", []string{"stressed", "overwhelmed", "pressure"}},
	{"angry", []string{"angry", "mad", "frustrated"}},
}

// detectMood classifies a message into one of the six mood labels. The
// model call carries a short deadline; any failure or off-list answer
// degrades to the keyword table.
func (a *App) detectMood(ctx context.Context, message string) string {
	prompt := fmt.Sprintf(
		"Classify the mood of this text into one of [happy, sad, anxious, stressed, angry, neutral]: %q. Only return the label.",
		message,
	)

	moodCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.MoodTimeoutSeconds)*time.Second)
	defer cancel()

	output, err := a.ai.Generate(moodCtx, a.cfg.OllamaModel, prompt)
	if err != nil {
		a.log.Warn().Err(err).Str("component", "mood").Msg("mood classification failed, using keyword fallback")
		return keywordMood(message)
	}

	label := strings.ToLower(strings.TrimSpace(output))
	if _, ok := moodLabels[label]; ok {
		return label
	}
	return "neutral"
}

func keywordMood(message string) string {
	lowered := strings.ToLower(message)
	for _, entry := range moodKeywordFallback {
		for _, keyword := range entry.keywords {
			if strings.Contains(lowered, keyword) {
				return entry.mood
			}
		}
	}
	return "neutral"
}

package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const insightWindowDays = 5

type insightRecord struct {
	UserID          string
	Date            time.Time
	Summary         string
	Positives       []string
	Negatives       []string
	Recommendations []string
	Generated       bool
	SourceMessages  int
}

func roundedAverage(scores []dailyScoreRecord, pick func(dailyScoreRecord) float64) int {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, score := range scores {
		sum += pick(score)
	}
	return int(math.Round(sum / float64(len(scores))))
}

// deriveInsight turns a window of daily scores into the day's narrative.
// Thresholds are inclusive; when nothing negative triggers, the single
// maintenance recommendation keeps the list non-empty.
func deriveInsight(scores []dailyScoreRecord) insightRecord {
	avgMood := roundedAverage(scores, func(s dailyScoreRecord) float64 { return s.Mood })
	avgStress := roundedAverage(scores, func(s dailyScoreRecord) float64 { return s.Stress })
	avgAnxiety := roundedAverage(scores, func(s dailyScoreRecord) float64 { return s.Anxiety })

	positives := make([]string, 0, 3)
	if avgMood >= 6 {
		positives = append(positives, "Mood holding in healthy range")
	}
	if avgStress <= 4 {
		positives = append(positives, "Stress relatively managed")
	}
	if avgAnxiety <= 4 {
		positives = append(positives, "Anxiety under control")
	}

	negatives := make([]string, 0, 3)
	if avgStress >= 6 {
		negatives = append(negatives, "Elevated stress signals")
	}
	if avgAnxiety >= 6 {
		negatives = append(negatives, "Persistent anxiety indicators")
	}
	if avgMood <= 4 {
		negatives = append(negatives, "Low mood trend detected")
	}

	recommendations := make([]string, 0, 3)
	if avgStress >= 6 {
		recommendations = append(recommendations, "Schedule short decompression breaks every 2 hours")
	}
	if avgAnxiety >= 6 {
		recommendations = append(recommendations, "Practice a 5-minute breathing exercise (4-7-8)")
	}
	if avgMood <= 4 {
		recommendations = append(recommendations, "List 3 small wins from today before bedtime")
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "Maintain current routines and track consistency")
	}

	sourceMessages := 0
	for _, score := range scores {
		sourceMessages += score.MessageCount
	}

	return insightRecord{
		Summary:         fmt.Sprintf("Mood avg %d, Stress avg %d, Anxiety avg %d", avgMood, avgStress, avgAnxiety),
		Positives:       positives,
		Negatives:       negatives,
		Recommendations: recommendations,
		Generated:       true,
		SourceMessages:  sourceMessages,
	}
}

// maybeGenerateInsight creates the (userId, day) insight at most once.
// An existing row is terminal: later analyses for the same day never
// rewrite the narrative. Racing inserts collapse on the unique key.
func (a *App) maybeGenerateInsight(ctx context.Context, userID string, day time.Time) error {
	dayStart := startOfUTCDay(day)

	var exists bool
	if err := a.db.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM "DailyInsight" WHERE "userId" = $1 AND date = $2
		 )`,
		userID,
		dayStart,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	scores, err := a.loadRecentScores(ctx, userID, insightWindowDays)
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		return nil
	}

	insight := deriveInsight(scores)
	insight.UserID = userID
	insight.Date = dayStart

	_, err = a.db.Exec(
		ctx,
		`INSERT INTO "DailyInsight" (
			id, "userId", date, summary, positives, negatives, recommendations, generated, "sourceMessages", "createdAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT ("userId", date) DO NOTHING`,
		uuid.NewString(),
		insight.UserID,
		insight.Date,
		insight.Summary,
		insight.Positives,
		insight.Negatives,
		insight.Recommendations,
		insight.Generated,
		insight.SourceMessages,
	)
	return err
}

func (a *App) loadInsightForDay(ctx context.Context, userID string, day time.Time) (*insightRecord, error) {
	record := insightRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT "userId", date, summary, positives, negatives, recommendations, generated, "sourceMessages"
		 FROM "DailyInsight"
		 WHERE "userId" = $1 AND date = $2`,
		userID,
		startOfUTCDay(day),
	).Scan(
		&record.UserID,
		&record.Date,
		&record.Summary,
		&record.Positives,
		&record.Negatives,
		&record.Recommendations,
		&record.Generated,
		&record.SourceMessages,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

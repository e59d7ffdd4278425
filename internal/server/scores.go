package server

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type dailyScoreRecord struct {
	UserID       string
	Date         time.Time
	Mood         float64
	Anxiety      float64
	Stress       float64
	Energy       float64
	Overall      float64
	MessageCount int
}

type analysisMetrics struct {
	Mood    *float64
	Anxiety *float64
	Stress  *float64
	Energy  *float64
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func overallScore(mood, anxiety, stress, energy float64) float64 {
	return math.Round((mood + energy + (10 - anxiety) + (10 - stress)) / 4)
}

// meanOf averages the set values of one metric; unset fields are excluded
// rather than treated as zero. An all-unset metric averages to 0.
func meanOf(values []*float64) float64 {
	sum := 0.0
	count := 0
	for _, value := range values {
		if value == nil {
			continue
		}
		sum += *value
		count++
	}
	if count == 0 {
		return 0
	}
	return round2(sum / float64(count))
}

// aggregateAnalyses folds every analysis of one user-day into the score
// row. This is the only aggregation function in the system: the realtime
// path and the batch job both recompute through it.
func aggregateAnalyses(metrics []analysisMetrics) dailyScoreRecord {
	moods := make([]*float64, 0, len(metrics))
	anxieties := make([]*float64, 0, len(metrics))
	stresses := make([]*float64, 0, len(metrics))
	energies := make([]*float64, 0, len(metrics))
	for _, item := range metrics {
		moods = append(moods, item.Mood)
		anxieties = append(anxieties, item.Anxiety)
		stresses = append(stresses, item.Stress)
		energies = append(energies, item.Energy)
	}

	record := dailyScoreRecord{
		Mood:         meanOf(moods),
		Anxiety:      meanOf(anxieties),
		Stress:       meanOf(stresses),
		Energy:       meanOf(energies),
		MessageCount: len(metrics),
	}
	record.Overall = overallScore(record.Mood, record.Anxiety, record.Stress, record.Energy)
	return record
}

// recomputeDailyScore re-derives the (userId, day) aggregate from all of
// that day's analyses inside one transaction. A per-key advisory lock
// serializes concurrent writers so late recomputes can't publish a stale
// subset; rows for other keys are untouched. Returns nil when the day has
// no analyses.
func (a *App) recomputeDailyScore(ctx context.Context, userID string, day time.Time) (*dailyScoreRecord, error) {
	dayStart, dayEnd := dayBounds(day)

	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockKey := userID + "|" + dayStart.Format("2006-01-02")
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return nil, err
	}

	metrics, err := loadDayMetrics(ctx, tx, userID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, nil
	}

	record := aggregateAnalyses(metrics)
	record.UserID = userID
	record.Date = dayStart

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO "MentalHealthScore" (
			id, "userId", date, mood, anxiety, stress, energy, overall, "messageCount", "updatedAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT ("userId", date) DO UPDATE SET
			mood = EXCLUDED.mood,
			anxiety = EXCLUDED.anxiety,
			stress = EXCLUDED.stress,
			energy = EXCLUDED.energy,
			overall = EXCLUDED.overall,
			"messageCount" = EXCLUDED."messageCount",
			"updatedAt" = NOW()`,
		uuid.NewString(),
		record.UserID,
		record.Date,
		record.Mood,
		record.Anxiety,
		record.Stress,
		record.Energy,
		record.Overall,
		record.MessageCount,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &record, nil
}

// loadDayMetrics buckets analyses by the message timestamp, not the
// analysis creation time, so late-running analyzers land on the day the
// user actually wrote.
func loadDayMetrics(ctx context.Context, q dbQuerier, userID string, dayStart, dayEnd time.Time) ([]analysisMetrics, error) {
	rows, err := q.Query(
		ctx,
		`SELECT a.mood, a.anxiety, a.stress, a.energy
		 FROM "MessageAnalysis" a
		 JOIN "ChatMessage" m ON m.id = a."messageId"
		 WHERE m."userId" = $1
		   AND m."timestamp" >= $2
		   AND m."timestamp" < $3`,
		userID,
		dayStart,
		dayEnd,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]analysisMetrics, 0, 16)
	for rows.Next() {
		var item analysisMetrics
		if err := rows.Scan(&item.Mood, &item.Anxiety, &item.Stress, &item.Energy); err != nil {
			return nil, err
		}
		metrics = append(metrics, item)
	}
	return metrics, rows.Err()
}

func (a *App) loadScoreForDay(ctx context.Context, userID string, day time.Time) (*dailyScoreRecord, error) {
	record := dailyScoreRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT "userId", date, mood, anxiety, stress, energy, overall, "messageCount"
		 FROM "MentalHealthScore"
		 WHERE "userId" = $1 AND date = $2`,
		userID,
		startOfUTCDay(day),
	).Scan(
		&record.UserID,
		&record.Date,
		&record.Mood,
		&record.Anxiety,
		&record.Stress,
		&record.Energy,
		&record.Overall,
		&record.MessageCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (a *App) loadRecentScores(ctx context.Context, userID string, limit int) ([]dailyScoreRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := a.db.Query(
		ctx,
		`SELECT "userId", date, mood, anxiety, stress, energy, overall, "messageCount"
		 FROM "MentalHealthScore"
		 WHERE "userId" = $1
		 ORDER BY date DESC
		 LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]dailyScoreRecord, 0, limit)
	for rows.Next() {
		record := dailyScoreRecord{}
		if err := rows.Scan(
			&record.UserID,
			&record.Date,
			&record.Mood,
			&record.Anxiety,
			&record.Stress,
			&record.Energy,
			&record.Overall,
			&record.MessageCount,
		); err != nil {
			return nil, err
		}
		scores = append(scores, record)
	}
	return scores, rows.Err()
}

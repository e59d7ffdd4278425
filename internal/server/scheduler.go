package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// runDailyBatch recomputes the score and insight for every user who wrote
// during the given UTC day. Per-user failures are logged and skipped so one
// bad row cannot starve the rest of the batch.
func (a *App) runDailyBatch(ctx context.Context, day time.Time) {
	dayStart, dayEnd := dayBounds(day)

	rows, err := a.db.Query(
		ctx,
		`SELECT DISTINCT "userId"
		 FROM "ChatMessage"
		 WHERE "timestamp" >= $1 AND "timestamp" < $2`,
		dayStart,
		dayEnd,
	)
	if err != nil {
		a.log.Error().Err(err).Str("component", "daily-batch").Msg("failed to list active users")
		return
	}
	userIDs := make([]string, 0, 32)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			a.log.Error().Err(err).Str("component", "daily-batch").Msg("failed to scan user id")
			return
		}
		userIDs = append(userIDs, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		a.log.Error().Err(err).Str("component", "daily-batch").Msg("failed to list active users")
		return
	}

	if len(userIDs) == 0 {
		a.log.Info().Str("component", "daily-batch").Str("day", dayStart.Format("2006-01-02")).Msg("no active users, nothing to do")
		return
	}

	processed := 0
	failed := 0
	for _, userID := range userIDs {
		if _, err := a.recomputeDailyScore(ctx, userID, dayStart); err != nil {
			failed++
			a.log.Error().Err(err).Str("component", "daily-batch").Str("user_id", userID).Msg("score recompute failed")
			continue
		}
		if err := a.maybeGenerateInsight(ctx, userID, dayStart); err != nil {
			failed++
			a.log.Error().Err(err).Str("component", "daily-batch").Str("user_id", userID).Msg("insight generation failed")
			continue
		}
		processed++
	}

	a.log.Info().
		Str("component", "daily-batch").
		Str("day", dayStart.Format("2006-01-02")).
		Int("users", len(userIDs)).
		Int("processed", processed).
		Int("failed", failed).
		Msg("daily batch finished")
}

// NewDailyCron schedules the nightly batch for the previous UTC day. The
// default spec fires shortly after midnight so the day being closed out is
// complete.
func (a *App) NewDailyCron(ctx context.Context) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(a.cfg.DailyCronSpec, func() {
		yesterday := startOfUTCDay(time.Now().UTC().Add(-24 * time.Hour))
		a.runDailyBatch(ctx, yesterday)
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const moodTrendsCacheTTL = 300 * time.Second

func scorePayload(score *dailyScoreRecord) gin.H {
	if score == nil {
		return nil
	}
	return gin.H{
		"date":         score.Date.Format("2006-01-02"),
		"mood":         score.Mood,
		"anxiety":      score.Anxiety,
		"stress":       score.Stress,
		"energy":       score.Energy,
		"overall":      score.Overall,
		"messageCount": score.MessageCount,
	}
}

func insightPayload(insight *insightRecord) gin.H {
	if insight == nil {
		return nil
	}
	return gin.H{
		"date":            insight.Date.Format("2006-01-02"),
		"summary":         insight.Summary,
		"positives":       insight.Positives,
		"negatives":       insight.Negatives,
		"recommendations": insight.Recommendations,
		"sourceMessages":  insight.SourceMessages,
	}
}

// getDay returns the full picture of one UTC calendar day: the aggregate
// score, the day's messages in chronological order, and the insight if one
// was generated.
func (a *App) getDay(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	userID, err := resolveUserID(user, c.Query("user_id"))
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}

	day, err := parseDate(c.Param("date"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	dayStart, dayEnd := dayBounds(day)

	score, err := a.loadScoreForDay(c.Request.Context(), userID, dayStart)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load day")
		return
	}
	insight, err := a.loadInsightForDay(c.Request.Context(), userID, dayStart)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load day")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, message, sender, mood, analyzed, "timestamp"
		 FROM "ChatMessage"
		 WHERE "userId" = $1 AND "timestamp" >= $2 AND "timestamp" < $3
		 ORDER BY "timestamp" ASC`,
		userID,
		dayStart,
		dayEnd,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load day")
		return
	}
	defer rows.Close()

	messages := make([]gin.H, 0, 32)
	for rows.Next() {
		var (
			id, message, sender string
			moodLabel           *string
			analyzed            bool
			timestamp           time.Time
		)
		if err := rows.Scan(&id, &message, &sender, &moodLabel, &analyzed, &timestamp); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load day")
			return
		}
		messages = append(messages, gin.H{
			"id":        id,
			"message":   message,
			"sender":    sender,
			"mood":      moodLabel,
			"analyzed":  analyzed,
			"timestamp": timestamp.UTC().Format(time.RFC3339),
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load day")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"date":     dayStart.Format("2006-01-02"),
		"score":    scorePayload(score),
		"messages": messages,
		"insight":  insightPayload(insight),
	})
}

// getGraphs returns recent daily scores as parallel arrays, oldest first,
// shaped for direct chart consumption.
func (a *App) getGraphs(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	userID, err := resolveUserID(user, c.Query("user_id"))
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}
	days := clampDays(c.Query("days"), 30, 1, 90)

	scores, err := a.loadRecentScores(c.Request.Context(), userID, days)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load scores")
		return
	}

	// loadRecentScores returns newest first; charts read left to right.
	for i, j := 0, len(scores)-1; i < j; i, j = i+1, j-1 {
		scores[i], scores[j] = scores[j], scores[i]
	}

	dates := make([]string, 0, len(scores))
	mood := make([]float64, 0, len(scores))
	anxiety := make([]float64, 0, len(scores))
	stress := make([]float64, 0, len(scores))
	energy := make([]float64, 0, len(scores))
	overall := make([]float64, 0, len(scores))
	for _, score := range scores {
		dates = append(dates, score.Date.Format("2006-01-02"))
		mood = append(mood, score.Mood)
		anxiety = append(anxiety, score.Anxiety)
		stress = append(stress, score.Stress)
		energy = append(energy, score.Energy)
		overall = append(overall, score.Overall)
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"dates":   dates,
		"mood":    mood,
		"anxiety": anxiety,
		"stress":  stress,
		"energy":  energy,
		"overall": overall,
	})
}

// getMoodTrends counts mood labels over the user's last 50 labeled
// messages. Results sit in redis for five minutes; when no cache is
// configured every request computes fresh.
func (a *App) getMoodTrends(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}
	userID, err := resolveUserID(user, c.Param("user_id"))
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}

	cacheKey := "moodTrends:" + userID
	if a.cache != nil {
		cached, err := a.cache.Get(c.Request.Context(), cacheKey).Result()
		if err == nil && cached != "" {
			var payload map[string]any
			if err := json.Unmarshal([]byte(cached), &payload); err == nil {
				c.JSON(http.StatusOK, payload)
				return
			}
		}
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT mood, COUNT(*)
		 FROM (
		   SELECT mood
		   FROM "ChatMessage"
		   WHERE "userId" = $1 AND sender = 'user' AND mood IS NOT NULL
		   ORDER BY "timestamp" DESC
		   LIMIT 50
		 ) recent
		 GROUP BY mood`,
		userID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load mood trends")
		return
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load mood trends")
			return
		}
		counts[label] = count
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load mood trends")
		return
	}

	payload := gin.H{
		"user_id": userID,
		"trends":  counts,
	}
	if a.cache != nil {
		if err := a.cache.Set(c.Request.Context(), cacheKey, mustMarshalJSON(payload), moodTrendsCacheTTL).Err(); err != nil {
			a.log.Warn().Err(err).Str("component", "mood-trends").Msg("failed to cache mood trends")
		}
	}

	c.JSON(http.StatusOK, payload)
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	chatContextTurns  = 5
	chatFallbackReply = "I'm here to help you. Please tell me more about how you're feeling."
)

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type createMessageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

func (a *App) insertChatMessage(ctx context.Context, userID, message, sender string, mood *string) (messageRecord, error) {
	record := messageRecord{
		ID:     uuid.NewString(),
		UserID: userID,
		Text:   message,
		Sender: sender,
	}
	err := a.db.QueryRow(
		ctx,
		`INSERT INTO "ChatMessage" (id, "userId", message, sender, mood, analyzed, "timestamp")
		 VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
		 RETURNING "timestamp"`,
		record.ID,
		record.UserID,
		record.Text,
		record.Sender,
		mood,
	).Scan(&record.Timestamp)
	if err != nil {
		return messageRecord{}, err
	}
	return record, nil
}

// chatContext renders the user's most recent turns oldest-first, so the
// model sees the conversation in natural order.
func (a *App) chatContext(ctx context.Context, userID string) (string, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT message, sender
		 FROM "ChatMessage"
		 WHERE "userId" = $1
		 ORDER BY "timestamp" DESC
		 LIMIT $2`,
		userID,
		chatContextTurns,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	type turn struct {
		message string
		sender  string
	}
	turns := make([]turn, 0, chatContextTurns)
	for rows.Next() {
		var t turn
		if err := rows.Scan(&t.message, &t.sender); err != nil {
			return "", err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var builder strings.Builder
	for i := len(turns) - 1; i >= 0; i-- {
		role := "User"
		if turns[i].sender == "bot" {
			role = "Assistant"
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(turns[i].message)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func chatPrompt(transcript, message string) string {
	if strings.TrimSpace(transcript) == "" {
		return fmt.Sprintf(
			"You are a supportive mental health companion. This is the user's first message.\nUser: %s\nAssistant:",
			message,
		)
	}
	return fmt.Sprintf(
		"You are a supportive mental health companion. Continue the conversation.\n%sUser: %s\nAssistant:",
		transcript,
		message,
	)
}

func (a *App) postChat(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req chatRequest
	if !mustJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}
	userID, err := resolveUserID(user, req.UserID)
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}

	// Crisis detection runs before any persistence or model work; a
	// crisis message is never stored and never reaches the model.
	if checkCrisis(req.Message) {
		c.JSON(http.StatusOK, crisisPayload())
		return
	}

	mood := a.detectMood(c.Request.Context(), req.Message)

	transcript, err := a.chatContext(c.Request.Context(), userID)
	if err != nil {
		a.log.Error().Err(err).Str("component", "chat").Msg("failed to load chat context")
		transcript = ""
	}

	chatCtx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(a.cfg.ChatTimeoutSeconds)*time.Second)
	defer cancel()

	reply, err := a.ai.Generate(chatCtx, a.cfg.OllamaChatModel, chatPrompt(transcript, req.Message))
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			a.log.Warn().Err(err).Str("component", "chat").Msg("chat generation failed, using fallback reply")
		}
		reply = chatFallbackReply
	}

	userMsg, err := a.insertChatMessage(c.Request.Context(), userID, req.Message, "user", &mood)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store message")
		return
	}
	if _, err := a.insertChatMessage(c.Request.Context(), userID, reply, "bot", nil); err != nil {
		a.log.Error().Err(err).Str("component", "chat").Msg("failed to store bot reply")
	}

	a.analysis.Enqueue(userMsg)

	c.JSON(http.StatusOK, gin.H{
		"reply": reply,
		"mood":  mood,
	})
}

func (a *App) postChatStream(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req chatRequest
	if !mustJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}
	userID, err := resolveUserID(user, req.UserID)
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}

	if checkCrisis(req.Message) {
		c.JSON(http.StatusOK, crisisPayload())
		return
	}

	mood := a.detectMood(c.Request.Context(), req.Message)

	// The transcript must be read before the new message is stored, or
	// the current message would show up as its own prior turn.
	transcript, err := a.chatContext(c.Request.Context(), userID)
	if err != nil {
		a.log.Error().Err(err).Str("component", "chat").Msg("failed to load chat context")
		transcript = ""
	}

	userMsg, err := a.insertChatMessage(c.Request.Context(), userID, req.Message, "user", &mood)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store message")
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Transfer-Encoding", "chunked")
	c.Status(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(a.cfg.StreamTimeoutSeconds)*time.Second)
	defer cancel()

	reply, err := a.ai.Stream(streamCtx, a.cfg.OllamaChatModel, chatPrompt(transcript, req.Message), func(chunk string) {
		_, _ = c.Writer.WriteString(chunk)
		if canFlush {
			flusher.Flush()
		}
	})
	if err != nil {
		a.log.Warn().Err(err).Str("component", "chat").Msg("chat stream failed")
	}
	if strings.TrimSpace(reply) == "" {
		reply = chatFallbackReply
		_, _ = c.Writer.WriteString(reply)
		if canFlush {
			flusher.Flush()
		}
	}

	if _, err := a.insertChatMessage(c.Request.Context(), userID, reply, "bot", nil); err != nil {
		a.log.Error().Err(err).Str("component", "chat").Msg("failed to store bot reply")
	}

	a.analysis.Enqueue(userMsg)
}

// postMessage records a message without generating a reply; the analysis
// side effects for user messages still run.
func (a *App) postMessage(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req createMessageRequest
	if !mustJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}
	sender := strings.ToLower(strings.TrimSpace(req.Sender))
	if sender != "user" && sender != "bot" {
		writeError(c, http.StatusBadRequest, "sender must be 'user' or 'bot'")
		return
	}
	userID, err := resolveUserID(user, req.UserID)
	if err != nil {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}

	record, err := a.insertChatMessage(c.Request.Context(), userID, req.Message, sender, nil)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store message")
		return
	}

	if sender == "user" {
		a.analysis.Enqueue(record)
	}

	c.JSON(http.StatusOK, gin.H{
		"message_id": record.ID,
		"timestamp":  record.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (a *App) getHistory(c *gin.Context) {
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
	days := clampDays(c.Query("days"), 7, 1, 90)
	since := startOfUTCDay(time.Now().UTC()).AddDate(0, 0, -(days - 1))

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT m.id, m.message, m.sender, m.mood, m.analyzed, m."timestamp",
		        a.sentiment, a.mood, a.anxiety, a.stress, a.energy
		 FROM "ChatMessage" m
		 LEFT JOIN "MessageAnalysis" a ON a."messageId" = m.id
		 WHERE m."userId" = $1 AND m."timestamp" >= $2
		 ORDER BY m."timestamp" DESC`,
		userID,
		since,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}
	defer rows.Close()

	messages := make([]gin.H, 0, 64)
	for rows.Next() {
		var (
			id, message, sender  string
			moodLabel            *string
			analyzed             bool
			timestamp            time.Time
			sentiment            *string
			mood, anxiety        *float64
			stress, energy       *float64
		)
		if err := rows.Scan(&id, &message, &sender, &moodLabel, &analyzed, &timestamp,
			&sentiment, &mood, &anxiety, &stress, &energy); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load history")
			return
		}
		item := gin.H{
			"id":        id,
			"message":   message,
			"sender":    sender,
			"mood":      moodLabel,
			"analyzed":  analyzed,
			"timestamp": timestamp.UTC().Format(time.RFC3339),
		}
		if sentiment != nil {
			item["analysis"] = gin.H{
				"sentiment": *sentiment,
				"mood":      mood,
				"anxiety":   anxiety,
				"stress":    stress,
				"energy":    energy,
			}
		}
		messages = append(messages, item)
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"days":     days,
		"messages": messages,
	})
}

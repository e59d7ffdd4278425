package server

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mindwell/backend/internal/config"
	"mindwell/backend/internal/db"
)

var (
	testPool              *pgxpool.Pool
	integrationDBReady    bool
	integrationSkipReason string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	testDatabaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if testDatabaseURL == "" {
		integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not set"
		fmt.Fprintln(os.Stderr, integrationSkipReason)
		os.Exit(m.Run())
	}
	testDatabaseURL = withSimpleProtocol(testDatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, testDatabaseURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration test setup failed: cannot connect TEST_DATABASE_URL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(ctx)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: database ping failed: %v\n", err)
		os.Exit(1)
	}

	if err := verifyRequiredTables(pool); err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: %v\n", err)
		os.Exit(1)
	}

	testPool = pool
	integrationDBReady = true

	exitCode := m.Run()
	testPool.Close()
	os.Exit(exitCode)
}

func withSimpleProtocol(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	queries := parsed.Query()
	queries.Set("default_query_exec_mode", "simple_protocol")
	parsed.RawQuery = queries.Encode()
	return parsed.String()
}

func verifyRequiredTables(pool *pgxpool.Pool) error {
	required := []string{
		"User",
		"ChatMessage",
		"MessageAnalysis",
		"MentalHealthScore",
		"DailyInsight",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	missing := make([]string, 0)
	for _, table := range required {
		var exists bool
		if err := pool.QueryRow(
			ctx,
			`SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`,
			table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to validate schema table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing required tables: %s. Apply scripts/schema.sql to TEST_DATABASE_URL before running integration tests",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if !integrationDBReady {
		if integrationSkipReason == "" {
			integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not configured"
		}
		t.Skip(integrationSkipReason)
	}
}

func newIntegrationConfig() config.Config {
	return config.Config{
		AppEnv:                 "test",
		AppName:                "Mindwell API Test",
		APIPrefix:              "/api/v1",
		AppPort:                "0",
		DatabaseURL:            "test",
		JWTSecret:              testJWTSecret,
		JWTAlgorithm:           "HS256",
		CORSAllowOrigins:       []string{"http://localhost:5173"},
		OllamaModel:            "llama3",
		OllamaChatModel:        "chat-model",
		MoodTimeoutSeconds:     1,
		AnalysisTimeoutSeconds: 1,
		ChatTimeoutSeconds:     1,
		StreamTimeoutSeconds:   1,
		AnalysisWorkers:        2,
		AnalysisQueueSize:      16,
	}
}

func newIntegrationApp(t *testing.T, ai InferenceClient) *App {
	t.Helper()
	requireIntegration(t)
	return New(newIntegrationConfig(), testPool, ai, nil, zerolog.Nop())
}

func resetDatabase(t *testing.T) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`TRUNCATE TABLE
			"DailyInsight",
			"MentalHealthScore",
			"MessageAnalysis",
			"ChatMessage",
			"User"
		RESTART IDENTITY CASCADE`,
	)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

func seedTestUser(t *testing.T, userID string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(userID) == "" {
		userID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "User" (id, name, "createdAt") VALUES ($1, $2, NOW())`,
		userID,
		"user-"+userID[:8],
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

func seedTestMessage(t *testing.T, userID, message, sender string, at time.Time) messageRecord {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := messageRecord{
		ID:        testID(),
		UserID:    userID,
		Text:      message,
		Sender:    sender,
		Timestamp: at.UTC(),
	}
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "ChatMessage" (id, "userId", message, sender, mood, analyzed, "timestamp")
		 VALUES ($1, $2, $3, $4, NULL, FALSE, $5)`,
		record.ID,
		record.UserID,
		record.Text,
		record.Sender,
		record.Timestamp,
	)
	if err != nil {
		t.Fatalf("seed chat message: %v", err)
	}
	return record
}

func countRows(t *testing.T, query string, args ...any) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var count int
	if err := testPool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func testID() string {
	return uuid.NewString()
}

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lexgrid/lexgrid/internal/api"
	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/ledger"
	"github.com/lexgrid/lexgrid/internal/middleware"
	"github.com/lexgrid/lexgrid/internal/queue"
	"github.com/lexgrid/lexgrid/internal/quota"
	"github.com/lexgrid/lexgrid/internal/ratelimit"
	"github.com/lexgrid/lexgrid/internal/rescache"
	"github.com/lexgrid/lexgrid/internal/research"
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	Ledger      *ledger.Repository
	Quota       *quota.Manager
	Queue       *queue.Service
	Executor    *scriptedExecutor
}

var testEnv *TestEnv

// scriptedExecutor lets integration tests control executor behavior per query.
type scriptedExecutor struct {
	fail map[string]int
}

func (e *scriptedExecutor) Execute(_ context.Context, req *research.Request) (*research.Result, error) {
	if e.fail[req.Query] > 0 {
		e.fail[req.Query]--
		return nil, fmt.Errorf("scripted failure for %q", req.Query)
	}
	return &research.Result{
		Response:   "answer: " + req.Query,
		TokensUsed: req.EstimatedTokenCost / 2,
	}, nil
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "lexgrid_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/lexgrid_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	m, err := migrate.New(fmt.Sprintf("file://%s", getMigrationsPath()), dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Assemble the service stack
	ledgerRepo := ledger.NewRepository(pool)
	accountCache := ledger.NewAccountCache(redisClient, 30*time.Second)

	quotaMgr := quota.NewManager(ledgerRepo, accountCache, redisClient, nil, config.QuotaConfig{
		TransactionTimeout: 5 * time.Minute,
		SweepInterval:      time.Minute,
		TerminalRetention:  10 * time.Minute,
	})
	quotaHandler := quota.NewHandler(quotaMgr)

	limiter := ratelimit.NewLimiter(redisClient, config.RateLimitConfig{
		InferenceTokensPerMinute:   1_000_000,
		InferenceTokensPerDay:      10_000_000,
		InferenceRequestsPerMinute: 1_000,
		SearchRequestsPerMinute:    1_000,
	})
	limitHandler := ratelimit.NewHandler(limiter)

	responseCache := rescache.NewCache(redisClient, config.CacheConfig{
		RecencyTTL:   15 * time.Minute,
		CheapTTL:     time.Hour,
		ExpensiveTTL: 2 * time.Hour,
	})

	executor := &scriptedExecutor{fail: map[string]int{}}
	queueSvc := queue.NewService(config.QueueConfig{
		Concurrency:   2,
		StartsPerSec:  100,
		MaxAttempts:   3,
		BackoffBase:   50 * time.Millisecond,
		CompletedKeep: 100,
		CompletedTTL:  time.Hour,
		FailedKeep:    500,
		FailedTTL:     24 * time.Hour,
	}, limiter, responseCache, quotaMgr, executor, nil)
	queueHandler := queue.NewHandler(queueSvc)

	queueCtx, cancelQueue := context.WithCancel(context.Background())
	queueSvc.Start(queueCtx)
	t.Cleanup(func() {
		cancelQueue()
		queueSvc.Stop()
	})

	submitLimiter := middleware.NewIPRateLimiter(redisClient, 1000, 60)

	router := api.NewRouter(pool, redisClient, api.RouterConfig{}, api.HandlerSet{
		SubmitResearch:  queueHandler.Submit,
		GetResearchJob:  queueHandler.GetStatus,
		GetQueueMetrics: queueHandler.GetMetrics,

		GetUsage:        quotaHandler.GetUsage,
		GetLimitsStatus: limitHandler.GetStatus,

		SubmitRateLimiter: submitLimiter.Middleware,
		QueueHealthy:      queueSvc.Healthy,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		Ledger:      ledgerRepo,
		Quota:       quotaMgr,
		Queue:       queueSvc,
		Executor:    executor,
	}

	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

// ProvisionSubject creates a usage account and returns its id.
func ProvisionSubject(t *testing.T, env *TestEnv, tier string, dailyLimit int) uuid.UUID {
	t.Helper()
	subjectID := uuid.New()
	if err := env.Ledger.Ensure(context.Background(), subjectID, tier, dailyLimit); err != nil {
		t.Fatalf("provisioning subject: %v", err)
	}
	return subjectID
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}

// ParseData unwraps the response envelope's data object.
func ParseData(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	result := ParseResponse(t, resp)
	data, ok := result["data"].(map[string]any)
	if !ok {
		t.Fatalf("response missing data object: %v", result)
	}
	return data
}

// SubmitJob submits a research job over HTTP and returns the job id.
func SubmitJob(t *testing.T, env *TestEnv, subjectID uuid.UUID, query, mode string) string {
	t.Helper()
	resp := DoRequest(t, env, "POST", "/api/v1/research", map[string]string{
		"query":        query,
		"mode":         mode,
		"jurisdiction": "US-CA",
		"subject_id":   subjectID.String(),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit failed: status %d", resp.StatusCode)
	}
	data := ParseData(t, resp)
	jobID, _ := data["job_id"].(string)
	if jobID == "" {
		t.Fatalf("submit response missing job_id: %v", data)
	}
	return jobID
}

// WaitForJobState polls the status endpoint until the job reaches the wanted
// state or the timeout elapses.
func WaitForJobState(t *testing.T, env *TestEnv, jobID, state string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := DoRequest(t, env, "GET", "/api/v1/research/"+jobID, nil)
		data := ParseData(t, resp)
		if data["state"] == state {
			return data
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, state)
	return nil
}

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cloudrpa/fleet/internal/config"
	"github.com/cloudrpa/fleet/internal/domain"
	"github.com/cloudrpa/fleet/internal/infrastructure/persistence/postgres"
)

// SetupStore connects to the test database, applies the embedded migrations
// and returns a store whose tables are truncated when the test ends. Tests
// skip when POSTGRES_URL is unset.
func SetupStore(t *testing.T) *postgres.Store {
	t.Helper()

	cfg, err := config.LoadTestConfig()
	if err != nil {
		t.Skipf("failed to load test config: %v (set POSTGRES_URL to run integration tests)", err)
	}
	if cfg.Database.DSN == "" {
		t.Skip("set POSTGRES_URL to run integration tests")
	}

	store, err := postgres.NewStoreWithConfig(context.Background(), postgres.DBConfig{
		DSN:         cfg.Database.DSN,
		AutoMigrate: true,
	})
	require.NoError(t, err)

	// Truncate up front too, so leftovers from an aborted earlier run
	// cannot leak into this test.
	truncate(t, store)
	t.Cleanup(func() {
		_, _ = store.Pool().Exec(context.Background(), truncateTables)
		store.Close()
	})
	return store
}

const truncateTables = `TRUNCATE TABLE job_queue, job_claims, robots, schedules, run_leases CASCADE`

func truncate(t *testing.T, store *postgres.Store) {
	t.Helper()
	_, err := store.Pool().Exec(context.Background(), truncateTables)
	require.NoError(t, err)
}

// newJob builds a queued job row with sane defaults.
func newJob(opts ...func(*domain.Job)) *domain.Job {
	job := &domain.Job{
		ID:                uuid.Must(uuid.NewV7()).String(),
		WorkflowID:        "wf-invoice-sync",
		WorkflowName:      "invoice-sync",
		Params:            []byte(`{"batch":1}`),
		Priority:          domain.JobPriorityNormal,
		Status:            domain.JobStatusQueued,
		CreatedAt:         time.Now().UTC(),
		VisibilityTimeout: domain.DefaultVisibilityTimeout,
		ExecutionTimeout:  domain.DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

// insertJob persists a fixture job and returns it.
func insertJob(t *testing.T, store *postgres.Store, opts ...func(*domain.Job)) *domain.Job {
	t.Helper()
	job := newJob(opts...)
	require.NoError(t, store.InsertJob(context.Background(), job))
	return job
}

func withPriority(p domain.JobPriority) func(*domain.Job) {
	return func(j *domain.Job) { j.Priority = p }
}

func withCreatedAt(at time.Time) func(*domain.Job) {
	return func(j *domain.Job) { j.CreatedAt = at }
}

func withWorkflow(id, name string) func(*domain.Job) {
	return func(j *domain.Job) {
		j.WorkflowID = id
		j.WorkflowName = name
	}
}

// Package e2e exercises the whole orchestration stack over the wire: a
// real engine and a real agent share a Postgres store and an in-process
// realtime channel, and every assertion goes through the HTTP control API.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrpa/fleet/internal/application/agent"
	"github.com/cloudrpa/fleet/internal/application/engine"
	"github.com/cloudrpa/fleet/internal/config"
	"github.com/cloudrpa/fleet/internal/domain"
	"github.com/cloudrpa/fleet/internal/infrastructure/httpapi"
	"github.com/cloudrpa/fleet/internal/infrastructure/keygen"
	"github.com/cloudrpa/fleet/internal/infrastructure/persistence/postgres"
	"github.com/cloudrpa/fleet/internal/infrastructure/realtime"
)

const (
	testRobotID   = "robot-e2e"
	testRobotName = "E2E Robot"

	// awaitTimeout bounds every poll loop. Generous because CI Postgres
	// can be slow; the loops return as soon as the state is reached.
	awaitTimeout = 20 * time.Second
	pollTick     = 50 * time.Millisecond
)

// Workflows the simulated robot knows how to run.
const (
	wfInvoiceSync  = "wf-invoice-sync"
	wfBrokenExport = "wf-broken-export"
	wfLongHaul     = "wf-long-haul"
)

var (
	httpAddr   string
	httpClient *http.Client
	testAPIKey string
)

var errExportRejected = errors.New("export batch rejected by the ERP endpoint")

// simulateWorkflow stands in for a real RPA runtime. Outcomes are fixed per
// workflow id so tests can drive every settle path over the wire: success
// with a result, deterministic failure, and a run that only ends when its
// context does.
func simulateWorkflow(ctx context.Context, job *domain.Job, progress agent.ProgressFunc) ([]byte, error) {
	switch job.WorkflowID {
	case wfBrokenExport:
		return nil, errExportRejected
	case wfLongHaul:
		progress(10, "wait-for-approval")
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		progress(50, "extract-invoices")
		return []byte(`{"invoices_posted":3}`), nil
	}
}

func TestMain(m *testing.M) {
	cfg, err := config.LoadTestConfig()
	if err != nil {
		fmt.Printf("Skipping E2E tests: %v\n", err)
		os.Exit(0)
	}
	if cfg.Database.DSN == "" {
		fmt.Println("Skipping E2E tests: POSTGRES_URL is not set")
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, err := postgres.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		panic(err)
	}

	// Start from a clean slate. A leader lease left by an aborted run
	// would stall dispatch for its whole duration.
	_, err = store.Pool().Exec(ctx,
		"TRUNCATE TABLE job_queue, job_claims, robots, schedules, run_leases CASCADE")
	if err != nil {
		panic(err)
	}

	testAPIKey, err = keygen.Generate()
	if err != nil {
		panic(fmt.Errorf("failed to generate API key: %w", err))
	}

	channel := realtime.NewInProcChannel()

	eng, err := engine.New(engine.Config{
		EngineID:              "engine-e2e",
		DispatchInterval:      200 * time.Millisecond,
		TimeoutCheckInterval:  250 * time.Millisecond,
		SchedulerTickInterval: time.Second,
		HealthCheckInterval:   200 * time.Millisecond,
		LeaderLease:           10 * time.Second,
		LeaderRenewInterval:   500 * time.Millisecond,
	}, store, channel)
	if err != nil {
		panic(fmt.Errorf("failed to assemble engine: %w", err))
	}

	robot, err := agent.New(agent.Config{
		RobotID:           testRobotID,
		RobotName:         testRobotName,
		Hostname:          "e2e-host",
		Tags:              []string{"finance"},
		Capabilities:      domain.Capabilities{Types: []string{"browser"}},
		MaxConcurrentJobs: 2,
		PollInterval:      100 * time.Millisecond,
		SubscribeTimeout:  150 * time.Millisecond,
		MaxIdleInterval:   300 * time.Millisecond,
		HeartbeatInterval: 250 * time.Millisecond,
		PresenceInterval:  250 * time.Millisecond,
		ShutdownGrace:     5 * time.Second,
		OperationTimeout:  5 * time.Second,
	}, store, channel, agent.ExecutorFunc(simulateWorkflow))
	if err != nil {
		panic(fmt.Errorf("failed to assemble agent: %w", err))
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()
	agentDone := make(chan error, 1)
	go func() { agentDone <- robot.Run(ctx) }()

	api := httpapi.NewAPIServer(httpapi.NewHandler(eng).Routes(),
		httpapi.ServerConfig{APIKey: testAPIKey})

	httpLis, err := net.Listen("tcp", "localhost:0") // Random port
	if err != nil {
		panic(err)
	}
	httpAddr = fmt.Sprintf("http://%s", httpLis.Addr().String())

	httpSrv := &http.Server{Handler: api.Handler()}
	go func() {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(err)
		}
	}()

	httpClient = &http.Client{Timeout: 10 * time.Second}

	code := m.Run()

	// Tear down outside-in: stop accepting requests, then stop the loops,
	// then release the store.
	_ = httpSrv.Shutdown(context.Background())
	cancel()
	for _, done := range []chan error{engineDone, agentDone} {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			fmt.Println("engine or agent did not stop within 10s")
		}
	}
	_ = channel.Close()
	store.Close()
	os.Exit(code)
}

func httpRequest(t *testing.T, method, path, body string) (*http.Response, error) {
	t.Helper()
	return keyedRequest(t, method, path, body, testAPIKey)
}

// keyedRequest issues a request with an explicit API key. An empty key
// sends no Authorization header at all.
func keyedRequest(t *testing.T, method, path, body, key string) (*http.Response, error) {
	t.Helper()
	var reqBody io.Reader
	if body != "" {
		reqBody = bytes.NewBufferString(body)
	}

	req, err := http.NewRequest(method, httpAddr+path, reqBody)
	require.NoError(t, err)

	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")

	return httpClient.Do(req)
}

func decodeJob(t *testing.T, resp *http.Response) httpapi.JobDTO {
	t.Helper()
	defer resp.Body.Close()
	var dto httpapi.JobDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	return dto
}

func decodeSchedule(t *testing.T, resp *http.Response) httpapi.ScheduleDTO {
	t.Helper()
	defer resp.Body.Close()
	var dto httpapi.ScheduleDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dto))
	return dto
}

func submitJob(t *testing.T, body string) httpapi.JobDTO {
	t.Helper()
	resp, err := httpRequest(t, http.MethodPost, "/api/v1/jobs", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJob(t, resp)
}

func fetchJob(t *testing.T, jobID string) httpapi.JobDTO {
	t.Helper()
	resp, err := httpRequest(t, http.MethodGet, "/api/v1/jobs/"+jobID, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJob(t, resp)
}

// awaitJobStatus polls the job until it reaches the wanted status. It fails
// fast when the job settles in a different terminal state, since no amount
// of waiting recovers from that.
func awaitJobStatus(t *testing.T, jobID string, want domain.JobStatus) httpapi.JobDTO {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	var last httpapi.JobDTO
	for time.Now().Before(deadline) {
		last = fetchJob(t, jobID)
		status := domain.JobStatus(last.Status)
		if status == want {
			return last
		}
		if status.Terminal() {
			t.Fatalf("job %s settled as %s while waiting for %s (error: %q)",
				jobID, last.Status, want, last.ErrorMessage)
		}
		time.Sleep(pollTick)
	}
	t.Fatalf("job %s stuck in %q, wanted %q within %s", jobID, last.Status, want, awaitTimeout)
	return httpapi.JobDTO{}
}

// TestE2E_JobLifecycle drives one job from API submission through claim,
// execution and settle to a durable completed row.
func TestE2E_JobLifecycle(t *testing.T) {
	submitted := submitJob(t, `{
		"workflow_id": "wf-invoice-sync",
		"workflow_name": "invoice-sync",
		"params": {"batch": 7},
		"priority": "HIGH"
	}`)
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, string(domain.JobStatusQueued), submitted.Status)
	assert.Equal(t, string(domain.JobPriorityHigh), submitted.Priority)
	assert.Equal(t, domain.DefaultVisibilityTimeout.Milliseconds(), submitted.VisibilityTimeoutMS)

	done := awaitJobStatus(t, submitted.ID, domain.JobStatusCompleted)
	assert.Equal(t, testRobotID, done.ClaimedBy)
	assert.Equal(t, domain.MaxProgress, done.Progress)
	assert.JSONEq(t, `{"invoices_posted":3}`, string(done.Result))
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))
}

// TestE2E_FailedJobCanBeRetried settles a job as failed and clones it
// through the retry endpoint.
func TestE2E_FailedJobCanBeRetried(t *testing.T) {
	submitted := submitJob(t, `{
		"workflow_id": "wf-broken-export",
		"workflow_name": "broken-export",
		"params": {"target": "erp"}
	}`)

	failed := awaitJobStatus(t, submitted.ID, domain.JobStatusFailed)
	assert.Equal(t, testRobotID, failed.ClaimedBy)
	assert.Contains(t, failed.ErrorMessage, "rejected by the ERP")

	resp, err := httpRequest(t, http.MethodPost, "/api/v1/jobs/"+submitted.ID+"/retry", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	retry := decodeJob(t, resp)

	assert.NotEqual(t, submitted.ID, retry.ID)
	assert.Equal(t, submitted.ID, retry.RetryOfJobID)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, string(domain.JobStatusQueued), retry.Status)

	// The workflow is deterministic, so the clone fails the same way.
	retried := awaitJobStatus(t, retry.ID, domain.JobStatusFailed)
	assert.Contains(t, retried.ErrorMessage, "rejected by the ERP")
}

// TestE2E_CancelRunningJob flags a running job over the API and waits for
// the robot to wind it down cooperatively.
func TestE2E_CancelRunningJob(t *testing.T) {
	submitted := submitJob(t, `{
		"workflow_id": "wf-long-haul",
		"workflow_name": "long-haul",
		"params": {}
	}`)

	running := awaitJobStatus(t, submitted.ID, domain.JobStatusRunning)
	assert.Equal(t, testRobotID, running.ClaimedBy)

	resp, err := httpRequest(t, http.MethodDelete,
		"/api/v1/jobs/"+submitted.ID+"?reason=maintenance-window", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flagged := decodeJob(t, resp)
	assert.True(t, flagged.CancelRequested)

	cancelled := awaitJobStatus(t, submitted.ID, domain.JobStatusCancelled)
	assert.Equal(t, "maintenance-window", cancelled.CancelReason)
	require.NotNil(t, cancelled.CompletedAt)
}

// TestE2E_RobotJoinsFleetView waits for the store sync to surface the
// polling robot in the fleet listing.
func TestE2E_RobotJoinsFleetView(t *testing.T) {
	var found httpapi.RobotDTO
	require.Eventually(t, func() bool {
		resp, err := httpRequest(t, http.MethodGet, "/api/v1/robots", "")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var listing struct {
			Robots []httpapi.RobotDTO `json:"robots"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
			return false
		}
		for _, r := range listing.Robots {
			if r.ID == testRobotID {
				found = r
				return true
			}
		}
		return false
	}, awaitTimeout, pollTick, "robot %s never appeared in the fleet view", testRobotID)

	assert.Equal(t, testRobotName, found.Name)
	assert.Equal(t, 2, found.MaxConcurrentJobs)
	assert.Contains(t,
		[]string{string(domain.RobotStatusOnline), string(domain.RobotStatusBusy)},
		found.Status)
}

// TestE2E_ScheduleLifecycle creates, patches and deletes a schedule over
// the API.
func TestE2E_ScheduleLifecycle(t *testing.T) {
	resp, err := httpRequest(t, http.MethodPost, "/api/v1/schedules", `{
		"name": "nightly-reconciliation",
		"workflow_id": "wf-invoice-sync",
		"workflow_name": "invoice-sync",
		"frequency": "cron",
		"cron_expression": "0 3 * * *",
		"timezone": "Europe/Amsterdam",
		"priority": "LOW"
	}`)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeSchedule(t, resp)

	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	require.NotNil(t, created.NextRun)
	assert.True(t, created.NextRun.After(time.Now()), "first run should be in the future")

	resp, err = httpRequest(t, http.MethodPatch, "/api/v1/schedules/"+created.ID,
		`{"enabled": false}`)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decodeSchedule(t, resp)
	assert.False(t, patched.Enabled)

	resp, err = httpRequest(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, "")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = httpRequest(t, http.MethodGet, "/api/v1/schedules/"+created.ID, "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestE2E_StatsShowLeadership reports the engine as dispatch leader once
// it holds the exclusive-run lease.
func TestE2E_StatsShowLeadership(t *testing.T) {
	var stats engine.Stats
	require.Eventually(t, func() bool {
		resp, err := httpRequest(t, http.MethodGet, "/api/v1/stats", "")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats.Leader
	}, awaitTimeout, pollTick, "engine never became dispatch leader")

	assert.Equal(t, "engine-e2e", stats.EngineID)
}

// TestE2E_AuthGuardsTheAPI rejects requests without a valid key while the
// health probe stays open.
func TestE2E_AuthGuardsTheAPI(t *testing.T) {
	t.Run("missing_key_is_rejected", func(t *testing.T) {
		resp, err := keyedRequest(t, http.MethodGet, "/api/v1/jobs", "", "")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong_key_is_rejected", func(t *testing.T) {
		resp, err := keyedRequest(t, http.MethodGet, "/api/v1/jobs", "", "crpa_definitely-not-the-key")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health_probe_needs_no_key", func(t *testing.T) {
		resp, err := keyedRequest(t, http.MethodGet, "/health", "", "")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	})
}

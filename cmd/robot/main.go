// The robot daemon claims jobs from the fleet store, runs them through the
// configured executor command and reports outcomes back through the claim
// protocol. It degrades to polling when the realtime channel is unavailable.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cloudrpa/fleet/internal/application/agent"
	"github.com/cloudrpa/fleet/internal/config"
	"github.com/cloudrpa/fleet/internal/domain"
	"github.com/cloudrpa/fleet/internal/infrastructure/keygen"
	"github.com/cloudrpa/fleet/internal/infrastructure/persistence/postgres"
	"github.com/cloudrpa/fleet/internal/infrastructure/realtime"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRobotConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tlsCfg, err := cfg.TLS.TLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		AutoMigrate:     cfg.Database.AutoMigrate,
		TLS:             tlsCfg,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	// The realtime bus rides the fleet database. CONTROL_PLANE_URL opts in;
	// without it the agent polls the durable store only, which trades hint
	// latency for one fewer held connection per robot.
	var channel realtime.Channel
	if cfg.ControlPlaneURL != "" {
		channel = realtime.NewPGChannel(store.Pool())
		slog.InfoContext(ctx, "realtime bus enabled", "control_plane", cfg.ControlPlaneURL)
	} else {
		slog.InfoContext(ctx, "no control plane configured, running poll-only")
	}

	robotID := cfg.RobotID
	if robotID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate robot id: %w", err)
		}
		robotID = "robot-" + id.String()
		slog.InfoContext(ctx, "generated robot id", "robot_id", robotID)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	agentCfg := agent.Config{
		RobotID:           robotID,
		RobotName:         cfg.RobotName,
		Hostname:          hostname,
		Environment:       cfg.Environment,
		Tags:              cfg.Tags,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Capabilities: domain.Capabilities{
			Types:  cfg.Capabilities,
			OSInfo: runtime.GOOS + "/" + runtime.GOARCH,
		},
		JobTimeout:        cfg.JobTimeout,
		PollInterval:      cfg.PollInterval,
		SubscribeTimeout:  cfg.SubscribeTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PresenceInterval:  cfg.PresenceInterval,
		ShutdownGrace:     cfg.GracefulShutdown,
	}

	robot, err := agent.New(agentCfg, store, channel, newExecutor(cfg))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	slog.InfoContext(ctx, "starting fleet robot",
		"robot_id", robotID,
		"robot_name", cfg.RobotName,
		"environment", cfg.Environment)
	if cfg.APIKey != "" {
		// The fingerprint lets operators match this robot's provisioned key
		// against the one the control plane logs at startup.
		slog.InfoContext(ctx, "API key provisioned", "key_id", keygen.KeyID(cfg.APIKey))
	}

	// Run blocks until ctx is cancelled, then drains in-flight jobs within
	// the configured grace period.
	return robot.Run(ctx)
}

// newExecutor builds the executor the agent feeds claimed jobs into. With
// EXECUTOR_CMD set, every job spawns that command with the job params on
// stdin; otherwise the simulation executor stands in.
func newExecutor(cfg *config.RobotConfig) agent.Executor {
	if cfg.ExecutorCommand != "" {
		return commandExecutor(cfg.ExecutorCommand, cfg.ContinueOnError)
	}
	slog.Warn("EXECUTOR_CMD not set, using the simulation executor")
	return simulationExecutor()
}

// commandExecutor delegates a job to an external process. The process gets
// the job params on stdin and JOB_* variables in its environment; whatever
// it writes to stdout becomes the job result. A non-zero exit fails the job
// unless continueOnError is set, which settles the job as completed with the
// partial output instead.
func commandExecutor(command string, continueOnError bool) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, job *domain.Job, progress agent.ProgressFunc) ([]byte, error) {
		progress(0, "spawn")

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Stdin = bytes.NewReader(job.Params)
		cmd.Env = append(os.Environ(),
			"JOB_ID="+job.ID,
			"JOB_WORKFLOW_ID="+job.WorkflowID,
			"JOB_WORKFLOW_NAME="+job.WorkflowName,
		)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := stderr.String()
			if msg == "" {
				msg = err.Error()
			}
			if continueOnError {
				slog.WarnContext(ctx, "executor command failed, continuing",
					"job_id", job.ID, "error", msg)
				progress(100, "done")
				return stdout.Bytes(), nil
			}
			return nil, fmt.Errorf("executor command failed: %s", msg)
		}

		progress(100, "done")
		return stdout.Bytes(), nil
	})
}

// simulationExecutor pretends to run a workflow. It reports progress in
// steps and honors cancellation, which makes it handy for smoke-testing a
// deployment before wiring a real executor.
func simulationExecutor() agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, job *domain.Job, progress agent.ProgressFunc) ([]byte, error) {
		steps := []string{"prepare", "execute", "collect"}
		for i, step := range steps {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			progress((i+1)*100/len(steps), step)
		}
		return []byte(`{"simulated": true}`), nil
	})
}

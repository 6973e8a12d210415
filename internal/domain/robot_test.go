package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRobotStatus_AllValid(t *testing.T) {
	testCases := []struct {
		input    string
		expected RobotStatus
	}{
		{"online", RobotStatusOnline},
		{"busy", RobotStatusBusy},
		{"offline", RobotStatusOffline},
		{"error", RobotStatusError},
		{"ONLINE", RobotStatusOnline},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			status, err := NewRobotStatus(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, status)
		})
	}
}

func TestNewRobotStatus_Invalid(t *testing.T) {
	_, err := NewRobotStatus("sleeping")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRobotStatus))
}

func TestRobot_HasAllTags(t *testing.T) {
	robot := &Robot{Tags: []string{"windows", "chrome", "gpu"}}

	assert.True(t, robot.HasAllTags(nil))
	assert.True(t, robot.HasAllTags([]string{}))
	assert.True(t, robot.HasAllTags([]string{"windows"}))
	assert.True(t, robot.HasAllTags([]string{"chrome", "gpu"}))
	assert.False(t, robot.HasAllTags([]string{"chrome", "linux"}))
}

func TestRobot_Available(t *testing.T) {
	now := time.Now()
	staleAfter := time.Minute

	base := func() *Robot {
		return &Robot{
			Status:            RobotStatusOnline,
			MaxConcurrentJobs: 2,
			CurrentJobs:       0,
			LastHeartbeat:     now.Add(-time.Second),
		}
	}

	t.Run("online with capacity", func(t *testing.T) {
		assert.True(t, base().Available(now, staleAfter))
	})

	t.Run("busy with spare slot", func(t *testing.T) {
		r := base()
		r.Status = RobotStatusBusy
		r.CurrentJobs = 1
		assert.True(t, r.Available(now, staleAfter))
	})

	t.Run("busy at capacity", func(t *testing.T) {
		r := base()
		r.Status = RobotStatusBusy
		r.CurrentJobs = 2
		assert.False(t, r.Available(now, staleAfter))
	})

	t.Run("offline", func(t *testing.T) {
		r := base()
		r.Status = RobotStatusOffline
		assert.False(t, r.Available(now, staleAfter))
	})

	t.Run("error state", func(t *testing.T) {
		r := base()
		r.Status = RobotStatusError
		assert.False(t, r.Available(now, staleAfter))
	})

	t.Run("stale heartbeat", func(t *testing.T) {
		r := base()
		r.LastHeartbeat = now.Add(-2 * time.Minute)
		assert.False(t, r.Available(now, staleAfter))
	})

	t.Run("staleness check disabled", func(t *testing.T) {
		r := base()
		r.LastHeartbeat = now.Add(-time.Hour)
		assert.True(t, r.Available(now, 0))
	})
}

func TestRobot_Clone_Isolation(t *testing.T) {
	robot := &Robot{
		ID:   "r1",
		Tags: []string{"windows"},
		Capabilities: Capabilities{
			Types: []string{"browser"},
		},
	}

	clone := robot.Clone()
	clone.Tags[0] = "linux"
	clone.Capabilities.Types[0] = "desktop"

	assert.Equal(t, "windows", robot.Tags[0])
	assert.Equal(t, "browser", robot.Capabilities.Types[0])
}

func TestRobotPool_Admits(t *testing.T) {
	pool := &RobotPool{Name: "finance", Tags: []string{"windows", "sap"}}

	member := &Robot{Tags: []string{"windows", "sap", "chrome"}}
	outsider := &Robot{Tags: []string{"windows"}}

	assert.True(t, pool.Admits(member))
	assert.False(t, pool.Admits(outsider))
}

func TestRobotPool_EmptyTagsAdmitEveryone(t *testing.T) {
	pool := &RobotPool{Name: "default"}
	assert.True(t, pool.Admits(&Robot{}))
	assert.True(t, pool.Admits(&Robot{Tags: []string{"anything"}}))
}

func TestRobotPool_AllowsWorkflow(t *testing.T) {
	open := &RobotPool{Name: "open"}
	assert.True(t, open.AllowsWorkflow("wf-any"))

	restricted := &RobotPool{Name: "restricted", AllowedWorkflows: []string{"wf-1", "wf-2"}}
	assert.True(t, restricted.AllowsWorkflow("wf-1"))
	assert.False(t, restricted.AllowsWorkflow("wf-3"))
}

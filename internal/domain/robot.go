package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RobotStatus represents the reported health of a robot agent.
// Value object - immutable string enum.
type RobotStatus string

const (
	// RobotStatusOnline means the robot heartbeats and has spare capacity.
	RobotStatusOnline RobotStatus = "online"

	// RobotStatusBusy means the robot heartbeats but is executing jobs.
	RobotStatusBusy RobotStatus = "busy"

	// RobotStatusOffline means the robot deregistered or stopped heartbeating.
	RobotStatusOffline RobotStatus = "offline"

	// RobotStatusError means the robot reported an unrecoverable host fault.
	RobotStatusError RobotStatus = "error"
)

// NewRobotStatus validates and creates a RobotStatus.
func NewRobotStatus(s string) (RobotStatus, error) {
	status := RobotStatus(strings.ToLower(s))

	switch status {
	case RobotStatusOnline, RobotStatusBusy, RobotStatusOffline, RobotStatusError:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidRobotStatus, s)
	}
}

// Capabilities describes what a robot host can execute. The orchestrator
// stores it verbatim; routing only consults tags and environment.
type Capabilities struct {
	// Types lists the workflow kinds the robot can run, e.g. "browser",
	// "desktop", "api".
	Types []string `json:"types,omitempty"`

	OSInfo string `json:"os_info,omitempty"`
}

// Robot is an aggregate root representing a registered execution agent.
type Robot struct {
	ID          string
	Name        string
	Hostname    string
	Environment string

	// Tags drive pool membership and affinity routing.
	Tags []string

	Capabilities Capabilities

	Status RobotStatus

	// MaxConcurrentJobs caps how many jobs the robot runs at once.
	MaxConcurrentJobs int
	CurrentJobs       int

	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// HasTag reports whether the robot carries the given tag.
func (r *Robot) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

// HasAllTags reports whether the robot carries every tag in want.
// An empty want always matches.
func (r *Robot) HasAllTags(want []string) bool {
	for _, tag := range want {
		if !r.HasTag(tag) {
			return false
		}
	}
	return true
}

// HasCapacity reports whether the robot can accept another job.
func (r *Robot) HasCapacity() bool {
	return r.CurrentJobs < r.MaxConcurrentJobs
}

// Available reports whether the robot is eligible to receive work at now.
// A robot qualifies when it is ONLINE, or BUSY with spare slots, and its
// last heartbeat is newer than staleAfter. A staleAfter of zero disables
// the freshness check.
func (r *Robot) Available(now time.Time, staleAfter time.Duration) bool {
	if r.Status != RobotStatusOnline && r.Status != RobotStatusBusy {
		return false
	}
	if !r.HasCapacity() {
		return false
	}
	if staleAfter > 0 && now.Sub(r.LastHeartbeat) > staleAfter {
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Robot) Clone() *Robot {
	out := *r
	out.Tags = slices.Clone(r.Tags)
	out.Capabilities.Types = slices.Clone(r.Capabilities.Types)
	return &out
}

package domain

import "slices"

// RobotPool groups robots by tags and constrains the work they may receive.
//
// Membership is dynamic: a robot belongs to every pool whose tags are a
// subset of its own, evaluated at dispatch time rather than stored.
type RobotPool struct {
	Name string

	// Tags a robot must all carry to belong to the pool.
	Tags []string

	// MaxConcurrentJobs caps running jobs across the whole pool.
	// Zero means unlimited.
	MaxConcurrentJobs int

	// AllowedWorkflows restricts which workflows members may execute.
	// Empty allows all workflows.
	AllowedWorkflows []string
}

// Admits reports whether the robot belongs to this pool.
func (p *RobotPool) Admits(r *Robot) bool {
	return r.HasAllTags(p.Tags)
}

// AllowsWorkflow reports whether the pool permits the workflow.
func (p *RobotPool) AllowsWorkflow(workflowID string) bool {
	if len(p.AllowedWorkflows) == 0 {
		return true
	}
	return slices.Contains(p.AllowedWorkflows, workflowID)
}

// Clone returns a deep copy safe to hand across goroutines.
func (p *RobotPool) Clone() *RobotPool {
	out := *p
	out.Tags = slices.Clone(p.Tags)
	out.AllowedWorkflows = slices.Clone(p.AllowedWorkflows)
	return &out
}

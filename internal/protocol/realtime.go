package protocol

import "time"

// Payloads carried on the realtime pub/sub channel. The channel is a
// latency hint on top of the claim protocol: every payload here must be
// safe to lose, duplicate, or reorder.

// Control commands delivered on the control topic.
const (
	ControlAssignJob = "assign_job"
	ControlCancelJob = "cancel_job"
	ControlShutdown  = "shutdown"
	ControlPause     = "pause"
	ControlResume    = "resume"
)

// JobHint tells idle robots that new work is claimable. Robots react by
// claiming immediately instead of waiting out their poll interval.
type JobHint struct {
	JobID        string `json:"job_id"`
	WorkflowName string `json:"workflow_name,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// ControlMessage carries an orchestrator command to one robot or, with an
// empty RobotID, to every robot listening on the control topic.
type ControlMessage struct {
	Command string `json:"command"`
	RobotID string `json:"robot_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Assign carries the job payload for assign_job commands: the
	// addressed robot starts the already-claimed job it describes.
	Assign *JobAssign `json:"assign,omitempty"`
}

// PresenceUpdate is a robot's periodic liveness broadcast.
type PresenceUpdate struct {
	RobotID     string      `json:"robot_id"`
	Status      string      `json:"status"`
	CurrentJobs int         `json:"current_jobs"`
	Metrics     HostMetrics `json:"metrics"`
	SentAt      time.Time   `json:"sent_at"`
}

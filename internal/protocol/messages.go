// Package protocol defines the JSON wire messages exchanged between robot
// agents and the orchestrator. Transport is out of scope: the same payloads
// travel over the realtime channel, a WebSocket, or any framed byte stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a wire message.
type MessageType string

// Robot to orchestrator message types.
const (
	TypeRegister     MessageType = "register"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeJobAccept    MessageType = "job_accept"
	TypeJobReject    MessageType = "job_reject"
	TypeJobProgress  MessageType = "job_progress"
	TypeJobComplete  MessageType = "job_complete"
	TypeJobFailed    MessageType = "job_failed"
	TypeJobCancelled MessageType = "job_cancelled"
	TypePong         MessageType = "pong"
)

// Orchestrator to robot message types.
const (
	TypeRegisterAck  MessageType = "register_ack"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeJobAssign    MessageType = "job_assign"
	TypeJobCancel    MessageType = "job_cancel"
	TypePing         MessageType = "ping"
	TypeError        MessageType = "error"
)

// Envelope is embedded in every message. Timestamp is the sender's clock
// at send time; receivers treat it as informational only.
type Envelope struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope stamps an envelope for sending.
func NewEnvelope(t MessageType) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UTC()}
}

// Capabilities describes the registering robot host.
type Capabilities struct {
	Types             []string `json:"types,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Tags              []string `json:"tags,omitempty"`
	OSInfo            string   `json:"os_info,omitempty"`
	Hostname          string   `json:"hostname,omitempty"`
}

// Register announces a robot to the orchestrator.
type Register struct {
	Envelope
	RobotID      string       `json:"robot_id"`
	RobotName    string       `json:"robot_name"`
	Capabilities Capabilities `json:"capabilities"`
	Environment  string       `json:"environment,omitempty"`
	APIKeyHash   string       `json:"api_key_hash,omitempty"`
}

// HostMetrics carries point-in-time host utilization.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Heartbeat reports robot liveness and load.
type Heartbeat struct {
	Envelope
	RobotID       string      `json:"robot_id"`
	CurrentJobs   []string    `json:"current_jobs"`
	JobsCompleted int64       `json:"jobs_completed"`
	JobsFailed    int64       `json:"jobs_failed"`
	Metrics       HostMetrics `json:"metrics"`
}

// JobAccept acknowledges a job assignment.
type JobAccept struct {
	Envelope
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// JobReject declines a job assignment; the lease is released so another
// robot can pick the job up.
type JobReject struct {
	Envelope
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
	Reason  string `json:"reason"`
}

// JobProgress reports executor progress. Last writer wins.
type JobProgress struct {
	Envelope
	JobID    string `json:"job_id"`
	RobotID  string `json:"robot_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// JobComplete reports a successful run with its opaque result.
type JobComplete struct {
	Envelope
	JobID   string          `json:"job_id"`
	RobotID string          `json:"robot_id"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// JobFailed reports a failed run.
type JobFailed struct {
	Envelope
	JobID   string          `json:"job_id"`
	RobotID string          `json:"robot_id"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

// JobCancelled confirms cooperative cancellation finished.
type JobCancelled struct {
	Envelope
	JobID   string `json:"job_id"`
	RobotID string `json:"robot_id"`
}

// Pong answers a ping.
type Pong struct {
	Envelope
	RobotID string `json:"robot_id"`
}

// RegisterAck confirms registration.
type RegisterAck struct {
	Envelope
}

// HeartbeatAck confirms a heartbeat.
type HeartbeatAck struct {
	Envelope
}

// JobAssign notifies a robot of a job already claimed on its behalf.
// The claim store remains the assignment authority; this message only
// saves the robot a poll cycle. Lease fields let the executing robot
// heartbeat and settle without re-reading the claim row.
type JobAssign struct {
	Envelope
	JobID        string          `json:"job_id"`
	WorkflowName string          `json:"workflow_name"`
	WorkflowJSON json.RawMessage `json:"workflow_json"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     string          `json:"priority"`

	LeaseGeneration   int64     `json:"lease_generation"`
	LeaseExpiresAt    time.Time `json:"lease_expires_at"`
	VisibilityTimeout int64     `json:"visibility_timeout_ms"`
	ExecutionTimeout  int64     `json:"execution_timeout_ms"`
}

// JobCancel requests cooperative cancellation of a running job.
type JobCancel struct {
	Envelope
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// Ping probes robot liveness.
type Ping struct {
	Envelope
}

// Error reports a protocol-level failure to the peer.
type Error struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals a message for the wire.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a wire message into its concrete type based on the
// envelope's type field.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func newMessage(t MessageType) (any, error) {
	switch t {
	case TypeRegister:
		return &Register{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeJobAccept:
		return &JobAccept{}, nil
	case TypeJobReject:
		return &JobReject{}, nil
	case TypeJobProgress:
		return &JobProgress{}, nil
	case TypeJobComplete:
		return &JobComplete{}, nil
	case TypeJobFailed:
		return &JobFailed{}, nil
	case TypeJobCancelled:
		return &JobCancelled{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeRegisterAck:
		return &RegisterAck{}, nil
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, nil
	case TypeJobAssign:
		return &JobAssign{}, nil
	case TypeJobCancel:
		return &JobCancel{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypeError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
}

package metrics

import "time"

// Worker statuses reported by the agent roster.
const (
	WorkerStatusWorking = "working"
	WorkerStatusIdle    = "idle"
	WorkerStatusStuck   = "stuck"
)

// AgentStatus is one agent's reported state.
type AgentStatus struct {
	WorkerStatus string `json:"worker_status"`
}

// TaskProgress is one task's reported progress.
type TaskProgress struct {
	LastUpdated time.Time `json:"last_updated"`
}

// AgentSource supplies the agent roster. Implemented by the orchestration
// platform's agent manager, outside this module.
type AgentSource interface {
	ListAgentStatuses() map[string]AgentStatus
}

// TaskSource supplies task progress records.
type TaskSource interface {
	ListAllTaskProgress() map[string]TaskProgress
}

// SessionSource supplies active session IDs by name.
type SessionSource interface {
	ListActiveSessions() map[string]string
}

// Sources bundles the collaborator interfaces the collector and health
// checker consume. Any entry may be nil; the corresponding gauges stay zero.
type Sources struct {
	Agents   AgentSource
	Tasks    TaskSource
	Sessions SessionSource
}

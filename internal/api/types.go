package api

import (
	"github.com/mattjoyce/dispatchd/internal/gateway"
	"github.com/mattjoyce/dispatchd/internal/scheduler"
)

// DispatchRequest is the JSON body for POST /v1/dispatch.
type DispatchRequest struct {
	Text string `json:"text"`
}

// AskRequest is the JSON body for POST /v1/ask.
type AskRequest struct {
	Prompt string `json:"prompt"`
}

// TaskListResponse is returned by GET /v1/tasks.
type TaskListResponse struct {
	Tasks []scheduler.TaskInfo `json:"tasks"`
}

// StopTaskResponse is returned by DELETE /v1/tasks/{taskID}.
type StopTaskResponse struct {
	TaskID  string `json:"task_id"`
	Stopped bool   `json:"stopped"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the gateway error class for failed model calls.
	Kind string `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Fingerprint   string                    `json:"config_fingerprint,omitempty"`
	Tasks         int                       `json:"tasks"`
	CircuitsOpen  int                       `json:"circuits_open"`
	Breakers      []gateway.BreakerSnapshot `json:"breakers"`
}

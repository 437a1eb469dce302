// Package instruction defines dispatch instructions, their execution results,
// and the parser that extracts instructions from free-form model output.
package instruction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the verb of an instruction.
type Action string

const (
	ActionRespond  Action = "respond"
	ActionExecute  Action = "execute"
	ActionSchedule Action = "schedule"
	ActionDelegate Action = "delegate"
	ActionWrite    Action = "write"
)

// Actions lists the built-in actions in a stable order.
func Actions() []Action {
	return []Action{ActionRespond, ActionExecute, ActionSchedule, ActionDelegate, ActionWrite}
}

func (a Action) Valid() bool {
	switch a {
	case ActionRespond, ActionExecute, ActionSchedule, ActionDelegate, ActionWrite:
		return true
	}
	return false
}

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// NormalizePriority returns p when it lies in [1,10] and def otherwise.
func NormalizePriority(p, def int) int {
	if p < MinPriority || p > MaxPriority {
		return def
	}
	return p
}

// WorkerRef names a worker. In JSON it may be a bare string or an object
// carrying workerName, name or work.
type WorkerRef struct {
	Name string
}

func (w WorkerRef) String() string { return w.Name }

func (w WorkerRef) IsZero() bool { return w.Name == "" }

func (w WorkerRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Name)
}

func (w *WorkerRef) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	w.Name = workerName(v)
	return nil
}

// workerName normalizes the accepted worker shapes to a bare name.
func workerName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, key := range []string{"workerName", "name", "work"} {
			if s := coerceString(t[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

// Instruction is one directive produced by the model.
type Instruction struct {
	Action     Action         `json:"action"`
	Service    string         `json:"service,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Response   string         `json:"response,omitempty"`
	Execute    bool           `json:"execute"`
	Worker     WorkerRef      `json:"worker,omitzero"`
	Schedule   string         `json:"schedule,omitempty"`
	Priority   int            `json:"priority"`
}

// Respond builds the pass-through instruction used when output has no
// usable structure.
func Respond(text string) Instruction {
	return Instruction{
		Action:   ActionRespond,
		Response: text,
		Execute:  true,
		Priority: DefaultPriority,
	}
}

// Param returns a string parameter, or "" when absent.
func (in Instruction) Param(key string) string {
	if in.Parameters == nil {
		return ""
	}
	return coerceString(in.Parameters[key])
}

// Result is the outcome of executing one instruction.
type Result struct {
	Success  bool   `json:"success"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Response string `json:"response,omitempty"`
}

func OK(v any) Result {
	return Result{Success: true, Result: v}
}

func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

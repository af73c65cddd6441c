package models

import (
	"slices"
	"time"
)

type RunningTool struct {
	Pentest string `json:"pentest"`
	ToolIID string `json:"tool_iid"`
}

// Worker is a remote agent. Names are unique across all engagements.
type Worker struct {
	ID               string        `json:"_id,omitempty"`
	Name             string        `json:"name"`
	Pentest          string        `json:"pentest"`
	SupportedPlugins []string      `json:"supported_plugins"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
	RunningTools     []RunningTool `json:"running_tools"`
	SID              string        `json:"sid,omitempty"`
}

func (w *Worker) Supports(plugin string) bool {
	return slices.Contains(w.SupportedPlugins, plugin)
}

// CanAccept reports whether the worker runs fewer than max tools.
func (w *Worker) CanAccept(max int) bool {
	return len(w.RunningTools) < max
}

// Stale reports whether the last heartbeat is older than timeout.
func (w *Worker) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > timeout
}

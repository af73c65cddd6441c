// Package bus carries change notifications to connected clients and the
// request/response traffic exchanged with workers.
package bus

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged over a session.
const (
	EventRegister                 = "register"
	EventRegisterForNotifications = "registerForNotifications"
	EventKeepalive                = "keepalive"
	EventExecuteCommand           = "executeCommand"
	EventStopCommand              = "stopCommand"
	EventGetProgress              = "getProgress"
	EventGetProgressResult        = "getProgressResult"
	EventNotif                    = "notif"
	EventDeleteWorker             = "deleteWorker"
	EventToolStart                = "tool_start"
	EventError                    = "error"
)

// GlobalRoom receives engagement lifecycle and template notifications.
const GlobalRoom = "pollenisator"

// Message is the envelope of every frame.
type Message struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage encodes payload as the data of an event.
func NewMessage(event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Message{Event: event, Data: data}, nil
}

type RegisterPayload struct {
	Name             string   `json:"name"`
	SupportedPlugins []string `json:"supported_plugins"`
}

type RegisterForNotificationsPayload struct {
	Token   string `json:"token"`
	Pentest string `json:"pentest"`
}

type KeepalivePayload struct {
	Name         string   `json:"name"`
	RunningTasks []string `json:"running_tasks"`
}

type ExecuteCommandPayload struct {
	WorkerToken string `json:"workerToken"`
	Pentest     string `json:"pentest"`
	ToolID      string `json:"toolId"`
}

type ToolPayload struct {
	Pentest string `json:"pentest"`
	ToolIID string `json:"tool_iid"`
}

type ProgressResultPayload struct {
	Pentest string          `json:"pentest,omitempty"`
	ToolIID string          `json:"tool_iid,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type DeleteWorkerPayload struct {
	Name string `json:"name"`
}

type ToolStartPayload struct {
	Pentest string `json:"pentest"`
	ToolIID string `json:"tool_iid"`
	Worker  string `json:"worker"`
	Detail  string `json:"detail"`
}

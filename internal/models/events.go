package models

import "time"

const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ChangeEvent is published after a notifying write. Engagement is the
// namespace the write happened in.
type ChangeEvent struct {
	Engagement string    `json:"db"`
	Collection string    `json:"collection"`
	ID         string    `json:"iid"`
	Action     string    `json:"action"`
	ParentID   string    `json:"parent,omitempty"`
	Time       time.Time `json:"time"`
}

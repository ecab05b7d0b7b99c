package model

import "time"

// Job is a named command bound to a node, fired on a cron schedule or on demand.
type Job struct {
	ID            string    `json:"id" db:"id"`
	NodeID        string    `json:"node_id" db:"node_id"`
	Name          string    `json:"name" db:"name"`
	Schedule      string    `json:"schedule" db:"schedule"`
	Command       string    `json:"command" db:"command"`
	Description   string    `json:"description,omitempty" db:"description"`
	Enabled       bool      `json:"enabled" db:"enabled"`
	NotifyOnError bool      `json:"notify_on_error" db:"notify_on_error"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

package model

// Execution status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Trigger sources.
const (
	TriggerManual = "manual"
	TriggerSystem = "system"
)

// IsTerminal reports whether status is one of the absorbing execution states.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

package model

import "time"

// Execution is one run of a Job. EndTime is set iff Status is terminal.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	JobID       string     `json:"job_id" db:"job_id"`
	StartTime   time.Time  `json:"start_time" db:"start_time"`
	EndTime     *time.Time `json:"end_time" db:"end_time"`
	Status      string     `json:"status" db:"status"`
	Output      string     `json:"output" db:"output"`
	Error       string     `json:"error" db:"error"`
	TriggeredBy string     `json:"triggered_by" db:"triggered_by"`
}

// Terminal reports whether the execution has reached an absorbing state.
func (e *Execution) Terminal() bool {
	return IsTerminal(e.Status)
}

// LogMessage is one frame of an execution's live log stream. Output and Error
// carry only the bytes produced since the previous message.
type LogMessage struct {
	Seq         uint64     `json:"seq"`
	ExecutionID string     `json:"execution_id"`
	Status      string     `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error"`
	EndTime     *time.Time `json:"end_time"`
}

// Final reports whether this is the last message of the stream.
func (m LogMessage) Final() bool {
	return IsTerminal(m.Status)
}

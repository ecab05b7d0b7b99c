package request

type CreateJob struct {
	NodeID        string `json:"node_id" validate:"required"`
	Name          string `json:"name" validate:"required,max=128"`
	Schedule      string `json:"schedule" validate:"required,schedule"`
	Command       string `json:"command" validate:"required"`
	Description   string `json:"description"`
	Enabled       *bool  `json:"enabled"`
	NotifyOnError bool   `json:"notify_on_error"`
}

type SetJobEnabled struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

package request

// RunBatch starts the listed jobs plus all jobs on the listed nodes.
type RunBatch struct {
	JobIDs  []string `json:"job_ids" validate:"required_without=NodeIDs,dive,required"`
	NodeIDs []string `json:"node_ids" validate:"required_without=JobIDs,dive,required"`
}

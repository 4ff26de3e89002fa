package api

// TriggerPipelineRequest is the body of POST /api/v1/admin/pipeline/trigger.
type TriggerPipelineRequest struct {
	Org  string `json:"org"`
	Team string `json:"team"`
}

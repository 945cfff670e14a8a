package temporal

import "time"

// TaskQueueName is the default task queue for webhook replay workflows.
const TaskQueueName = "STRATUM_WEBHOOK_REPLAY"

// ReplayWorkflowIDPrefix prefixes replay workflow IDs. The failure ID follows, so only one
// replay of a given failure runs at a time.
const ReplayWorkflowIDPrefix = "webhook-replay-"

// DefaultActivityTimeout bounds a single activity. Redelivery runs the dispatcher's whole
// retry schedule inside one activity.
const DefaultActivityTimeout = 2 * time.Minute

// ReplayParams is the input of ReplayWebhookFailureWorkflow.
type ReplayParams struct {
	FailureID   string
	TenantID    string
	RequestedBy string
}

// RedeliveryResult is what one redelivery of a stored payload produced.
type RedeliveryResult struct {
	FailureID  string
	Success    bool
	Status     string
	Attempts   int
	HTTPStatus int
	Error      string
}

func ReplayWorkflowID(failureID string) string {
	return ReplayWorkflowIDPrefix + failureID
}

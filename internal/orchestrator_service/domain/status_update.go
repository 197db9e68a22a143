package domain

import "encoding/json"

// CanonicalStatus is the provider-independent shape every provider signal is
// normalized to before reconciliation.
type CanonicalStatus string

const (
	CanonicalStatusProgress  CanonicalStatus = "progress"
	CanonicalStatusSucceeded CanonicalStatus = "succeeded"
	CanonicalStatusFailed    CanonicalStatus = "failed"
)

// ReconcileSource identifies how a status signal reached the orchestrator.
type ReconcileSource string

const (
	ReconcileSourceWebhook ReconcileSource = "webhook"
	ReconcileSourcePoll    ReconcileSource = "poll"
)

// StatusUpdate is a normalized provider signal about a job.
// Payload carries the provider's result document for succeeded updates;
// Reason carries the failure description for failed ones.
type StatusUpdate struct {
	Status   CanonicalStatus
	Progress int
	Payload  json.RawMessage
	Reason   string
}

// WebhookEvent is a parsed and authenticated provider callback.
// DeliveryID is the provider's delivery identifier used for deduplication;
// adapters derive one from the body when the provider does not send it.
type WebhookEvent struct {
	ExternalJobID string
	DeliveryID    string
	Update        StatusUpdate
}

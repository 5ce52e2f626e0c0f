package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Outpost-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Sync attributes
	AttrOperation = attribute.Key("operation")
	AttrOutcome   = attribute.Key("outcome")
	AttrResult    = attribute.Key("result")

	// Queue attributes
	AttrQueueState = attribute.Key("queue.state")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Remote attributes
	AttrEndpoint   = attribute.Key("endpoint")
	AttrHTTPStatus = attribute.Key("http.status")
)

// Item outcome values
const (
	OutcomeSynced      = "synced"
	OutcomeConflict    = "conflict"
	OutcomeRetried     = "retried"
	OutcomeQuarantined = "quarantined"
)

// Batch result values
const (
	BatchResultApplied = "applied"
	BatchResultFailed  = "failed"
)

// Queue state values
const (
	QueueStatePending = "pending"
	QueueStateDead    = "dead"
)

// Helper functions for creating common attribute sets

// ItemAttributes returns common attributes for per-item sync metrics.
func ItemAttributes(environment, operation, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrOutcome.String(outcome),
	}
}

// BatchAttributes returns common attributes for batch dispatch metrics.
func BatchAttributes(environment, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
}

// QueueAttributes returns attributes for outbox depth gauges.
func QueueAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrQueueState.String(state),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// RemoteAttributes returns attributes for remote endpoint metrics.
func RemoteAttributes(environment, endpoint string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEndpoint.String(endpoint),
		AttrHTTPStatus.Int(status),
	}
}

package domain

// OutcomeKind is the result of one dispatch decision.
type OutcomeKind string

const (
	OutcomeForwarded         OutcomeKind = "forwarded"
	OutcomeNoWorkerAvailable OutcomeKind = "no_worker_available"
	OutcomeInvalid           OutcomeKind = "invalid"
	OutcomeSkipped           OutcomeKind = "skipped" // request was not PENDING or could not be persisted
)

// Outcome reports what the dispatcher did with one request.
type Outcome struct {
	RequestID  string
	Kind       OutcomeKind
	WorkerType string // set for OutcomeForwarded
	Err        error
}

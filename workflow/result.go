package workflow

// Status is the status of a single node execution.
type Status int

const (
	// StatusSuccess indicates the node finished its work.
	StatusSuccess Status = iota
	// StatusFailed indicates the node cannot make progress.
	StatusFailed
	// StatusInProgress indicates the node is waiting and should run again.
	StatusInProgress
	// StatusRetry indicates the node failed but has retries left.
	StatusRetry
)

// String returns a human-readable representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusInProgress:
		return "in_progress"
	case StatusRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome says where control goes after a successful node.
type Outcome int

const (
	// OutcomeNone is used for every non-success status.
	OutcomeNone Outcome = iota
	// OutcomeContinue moves to Result.Next.
	OutcomeContinue
	// OutcomeReturn returns control to the enclosing Decision.
	OutcomeReturn
	// OutcomeComplete completes the task.
	OutcomeComplete
)

// String returns a human-readable representation of the Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeContinue:
		return "continue"
	case OutcomeReturn:
		return "return"
	case OutcomeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Result is produced fresh by every node execution and never retained.
type Result struct {
	Status  Status
	Outcome Outcome
	// Next is set only when Outcome is OutcomeContinue.
	Next Node
	// Reason is set only when Status is StatusFailed.
	Reason  string
	Message string
}

// Continue returns a successful Result that moves to next.
func Continue(next Node, message string) Result {
	return Result{Status: StatusSuccess, Outcome: OutcomeContinue, Next: next, Message: message}
}

// Return returns a successful Result that hands control back to the enclosing Decision.
func Return(message string) Result {
	return Result{Status: StatusSuccess, Outcome: OutcomeReturn, Message: message}
}

// Complete returns a successful Result that completes the task.
func Complete(message string) Result {
	return Result{Status: StatusSuccess, Outcome: OutcomeComplete, Message: message}
}

// Failed returns a failed Result.
func Failed(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason, Message: reason}
}

// Retry returns a Result asking for another attempt.
func Retry(message string) Result {
	return Result{Status: StatusRetry, Message: message}
}

// InProgress returns a Result asking to be executed again next tick.
func InProgress(message string) Result {
	return Result{Status: StatusInProgress, Message: message}
}

// IsSuccess returns true if the node finished successfully.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

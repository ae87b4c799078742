package harness

import "encoding/json"

// OutcomeKind tags which variant an Outcome carries (§9's tagged
// cancellation sum type).
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeJobFailure
	OutcomeAbortedByOperator
	OutcomeYieldedForShutdown
	OutcomeUnexpectedFailure
)

// Outcome is the result of running one task to completion, cancellation,
// or failure. Exactly the fields relevant to Kind are populated.
type Outcome struct {
	Kind OutcomeKind

	// Result is set only when Kind == OutcomeOk.
	Result json.RawMessage

	// Code and Content are set only when Kind == OutcomeJobFailure.
	Code    string
	Content json.RawMessage

	// TypeName and Backtrace are set only when Kind == OutcomeUnexpectedFailure.
	TypeName  string
	Backtrace string
}

func Ok(result json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeOk, Result: result}
}

func JobFailure(code string, content json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeJobFailure, Code: code, Content: content}
}

func AbortedByOperator() Outcome {
	return Outcome{Kind: OutcomeAbortedByOperator}
}

func YieldedForShutdown() Outcome {
	return Outcome{Kind: OutcomeYieldedForShutdown}
}

func UnexpectedFailure(typeName, backtrace string) Outcome {
	return Outcome{Kind: OutcomeUnexpectedFailure, TypeName: typeName, Backtrace: backtrace}
}

// JobFailureError lets a Task signal a JobException by returning it from
// OnTask instead of constructing an Outcome directly — the common case,
// since most tasks only ever produce Ok or a job-attributable failure.
type JobFailureError struct {
	Code    string
	Content json.RawMessage
}

func (e *JobFailureError) Error() string {
	return "job failure: " + e.Code
}

package store

import "errors"

// ErrNotFound is returned when a job id has no digest row.
var ErrNotFound = errors.New("store: job not found")

// ErrInvalidTransition is returned by restart/abort when the job's
// current status makes the requested transition illegal (e.g.
// restarting a non-terminal job).
var ErrInvalidTransition = errors.New("store: invalid status transition")

// ErrStageOutOfRange is returned by restart when fromStage does not
// index an existing stage.
var ErrStageOutOfRange = errors.New("store: stage index out of range")

// ErrEmptyStages is returned by NewJob when the request carries no
// stages — a job with zero stages is rejected at creation.
var ErrEmptyStages = errors.New("store: job must have at least one stage")

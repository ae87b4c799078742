package wire

// Status is the lifecycle state of a job digest, as defined in the data
// model. Aborted and Finished are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusAborted    Status = "aborted"
	StatusFinished   Status = "finished"
)

// Terminal reports whether a job in this status can only leave it via
// restart.
func (s Status) Terminal() bool {
	return s == StatusAborted || s == StatusFinished
}

// legalTransitions encodes the transition table: a job may move from any
// key's status to any status in its value set.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusAborted: true},
	StatusWaiting:    {StatusInProgress: true, StatusAborted: true},
	StatusInProgress: {StatusWaiting: true, StatusFinished: true, StatusAborted: true},
	StatusAborted:    {StatusPending: true},
	StatusFinished:   {StatusPending: true},
}

// CanTransition reports whether moving a job digest from status `from` to
// status `to` is a legal transition.
func CanTransition(from, to Status) bool {
	return legalTransitions[from][to]
}

// Package wire defines the types exchanged between the scheduler and worker
// processes: job identifiers, persisted job shapes, the RPC request/response
// schemas, and the error taxonomy. Both modules depend on this package so
// that a wire message decoded on one side has exactly the shape it was
// encoded with on the other.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// JobID is an opaque, monotonically allocated identifier. It is rendered
// externally as an 8-character lowercase hex string and carries no
// arithmetic beyond what the store needs internally to allocate it.
type JobID uint32

var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// String renders the JobID as an 8-character lowercase hex string.
func (id JobID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// ParseJobID parses an 8-character hex string (case-insensitive) into a
// JobID. It rejects anything that does not match ^[0-9a-f]{8}$ after
// lowercasing, so REST path parameters can validate with the same rule
// used on the wire.
func ParseJobID(s string) (JobID, error) {
	lower := toLowerASCII(s)
	if !jobIDPattern.MatchString(lower) {
		return 0, fmt.Errorf("wire: invalid job id %q: must match ^[0-9a-f]{8}$", s)
	}
	v, err := strconv.ParseUint(lower, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid job id %q: %w", s, err)
	}
	return JobID(v), nil
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// MarshalJSON renders the JobID as its hex string form so wire messages
// carry the same representation as the REST surface.
func (id JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the hex string form produced by MarshalJSON.
func (id *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseJobID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

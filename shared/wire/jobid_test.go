package wire

import "testing"

func TestJobIDRoundTrip(t *testing.T) {
	id := JobID(0xdeadbeef)
	s := id.String()
	if s != "deadbeef" {
		t.Fatalf("String() = %q, want deadbeef", s)
	}
	parsed, err := ParseJobID(s)
	if err != nil {
		t.Fatalf("ParseJobID: %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseJobID(%q) = %v, want %v", s, parsed, id)
	}
}

func TestParseJobIDCaseInsensitive(t *testing.T) {
	parsed, err := ParseJobID("DEADBEEF")
	if err != nil {
		t.Fatalf("ParseJobID: %v", err)
	}
	if parsed != JobID(0xdeadbeef) {
		t.Fatalf("got %v, want deadbeef", parsed)
	}
}

func TestParseJobIDRejectsInvalid(t *testing.T) {
	cases := []string{"", "short", "toolongggg", "nothex12", "0000000"}
	for _, c := range cases {
		if _, err := ParseJobID(c); err == nil {
			t.Errorf("ParseJobID(%q) expected error, got nil", c)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusWaiting, StatusInProgress, true},
		{StatusInProgress, StatusWaiting, true},
		{StatusInProgress, StatusFinished, true},
		{StatusInProgress, StatusAborted, true},
		{StatusPending, StatusAborted, true},
		{StatusWaiting, StatusAborted, true},
		{StatusAborted, StatusPending, true},
		{StatusFinished, StatusPending, true},
		{StatusPending, StatusFinished, false},
		{StatusFinished, StatusInProgress, false},
		{StatusAborted, StatusFinished, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

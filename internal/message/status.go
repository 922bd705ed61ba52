package message

import "strings"

// Status is the delivery state of a message.
type Status string

const (
	Pending   Status = "PENDING"
	Sent      Status = "SENT"
	Delivered Status = "DELIVERED"
	Read      Status = "READ"
	Failed    Status = "FAILED"
)

// rank orders the forward lifecycle. FAILED sits outside it.
var rank = map[Status]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// ParseStatus accepts the server's spelling (any case) and returns false for unknown values.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case Pending, Sent, Delivered, Read, Failed:
		return st, true
	}
	return "", false
}

// CanTransition reports whether a message in from may move to to.
//
// Forward moves through PENDING < SENT < DELIVERED < READ are allowed, as are
// PENDING -> FAILED and the retry FAILED -> PENDING. Everything else,
// including a no-op move to the same state, is rejected.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch {
	case to == Failed:
		return from == Pending
	case from == Failed:
		return to == Pending
	}
	fr, ok1 := rank[from]
	tr, ok2 := rank[to]
	return ok1 && ok2 && tr > fr
}

// AtLeast reports whether s is at or past target in the forward lifecycle.
func (s Status) AtLeast(target Status) bool {
	sr, ok1 := rank[s]
	tr, ok2 := rank[target]
	return ok1 && ok2 && sr >= tr
}

// Furthest returns whichever of a and b is further along the forward
// lifecycle. FAILED counts as PENDING.
func Furthest(a, b Status) Status {
	if a == Failed {
		a = Pending
	}
	if b == Failed {
		b = Pending
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

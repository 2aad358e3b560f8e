package types

import "fmt"

// Identifies a single process inside the group.
// Identifier 0 designates the initiating client, workers
// are assigned the remaining identifiers at cluster formation.
type ProcessID int

// Where a process can be reached. The location table for the
// whole cluster is broadcast by the initiator at join time.
type Location struct {
	Host string
	Port int
}

// The network address for the location.
func (l Location) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Identifies a remote computation.
//
// Where is the process that owns the computation, executing the
// thunk and storing the result. Whence is the process that created
// the identifier, and ID is a counter that increases monotonically
// on Whence. Two identifiers denote the same computation iff the
// (Whence, ID) pair matches, the Where field is a transport artifact
// that is always recoverable from any copy.
type RefID struct {
	Where  ProcessID
	Whence ProcessID
	ID     uint64
}

// The pair used for equality and hashing of identifiers.
type RefKey struct {
	Whence ProcessID
	ID     uint64
}

// Key extracts the identity pair of the identifier.
func (r RefID) Key() RefKey {
	return RefKey{Whence: r.Whence, ID: r.ID}
}

func (r RefID) String() string {
	return fmt.Sprintf("ref(%d,%d,%d)", r.Where, r.Whence, r.ID)
}

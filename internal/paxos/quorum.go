package paxos

import "fmt"

// QuorumPolicy decides how many votes a phase needs.
type QuorumPolicy int

const (
	// QuorumFixed requires a majority of the configured membership. A peer
	// that does not answer counts as a vote against.
	QuorumFixed QuorumPolicy = iota

	// QuorumReachable requires a majority of the peers that answered in this
	// phase. A minority partition whose other peers are unreachable can
	// decide on its own under this policy.
	QuorumReachable
)

// Majority returns the number of votes needed.
func (q QuorumPolicy) Majority(reachable, members int) int {
	if q == QuorumReachable {
		return reachable/2 + 1
	}
	return members/2 + 1
}

// Reached reports whether votes out of reachable answering peers decide the
// phase. A phase in which nobody answered never succeeds.
func (q QuorumPolicy) Reached(votes, reachable, members int) bool {
	if reachable == 0 {
		return false
	}
	return votes >= q.Majority(reachable, members)
}

func (q QuorumPolicy) String() string {
	switch q {
	case QuorumFixed:
		return "fixed"
	case QuorumReachable:
		return "reachable"
	}
	return fmt.Sprintf("QuorumPolicy(%d)", int(q))
}

// Set parses "fixed" or "reachable". It makes *QuorumPolicy a flag.Value.
func (q *QuorumPolicy) Set(s string) error {
	switch s {
	case "fixed":
		*q = QuorumFixed
	case "reachable":
		*q = QuorumReachable
	default:
		return fmt.Errorf("unknown quorum policy %q (want fixed or reachable)", s)
	}
	return nil
}

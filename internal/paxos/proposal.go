// =============================================================================
// PROPOSAL NUMBERS - Ordering Competing Proposers
// =============================================================================
//
// Acceptors order proposals by number, so two replicas must never use the
// same one. Each replica draws from its own residue class:
//
//   number = sequence * replica_count + replica_id
//
// With three replicas, replica 0 uses 3, 6, 9, ..., replica 1 uses 4, 7,
// 10, ... and replica 2 uses 5, 8, 11, .... The sequence starts at 1 and only
// grows, so a replica's numbers are strictly increasing.
//
// When an acceptor rejects us because it promised a higher number, the
// proposer raises its sequence past that number so its next attempt can win.
//
// Proposal numbers only order acceptor decisions. They are never shown to
// clients; clients see transaction numbers.
//
// =============================================================================

package paxos

import "fmt"

// ProposalNumber orders proposals at an acceptor.
type ProposalNumber int64

// NoProposal is below every real proposal number. A fresh acceptor has
// promised and accepted NoProposal.
const NoProposal ProposalNumber = -1

// NewProposalNumber returns sequence*replicas + id.
func NewProposalNumber(sequence int64, replicas, id int) ProposalNumber {
	return ProposalNumber(sequence*int64(replicas) + int64(id))
}

// Sequence returns the sequence component for a cluster of the given size.
func (n ProposalNumber) Sequence(replicas int) int64 {
	if n < 0 || replicas <= 0 {
		return 0
	}
	return int64(n) / int64(replicas)
}

// Proposer returns the id of the replica that generated n.
func (n ProposalNumber) Proposer(replicas int) int {
	if n < 0 || replicas <= 0 {
		return -1
	}
	return int(int64(n) % int64(replicas))
}

func (n ProposalNumber) String() string {
	if n == NoProposal {
		return "none"
	}
	return fmt.Sprintf("%d", int64(n))
}

// Slot names one Paxos instance. Acceptor state is kept separately for every
// slot.
//
// GlobalSlot runs every trade through a single instance. Otherwise the slot is
// the transaction number being decided, so agreeing on a slot's value also
// agrees on which trade owns that number.
type Slot int64

const GlobalSlot Slot = -1

func (s Slot) String() string {
	if s == GlobalSlot {
		return "global"
	}
	return fmt.Sprintf("txn %d", int64(s))
}

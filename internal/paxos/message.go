// =============================================================================
// PAXOS MESSAGE TYPES
// =============================================================================
//
// PHASE 1                                PHASE 2
//
//  PROPOSER ── Prepare(N) ──▶ ACCEPTOR    PROPOSER ── Accept(N, V) ──▶ ACCEPTOR
//           ◀─ Promise(N) ──                       ◀── Accepted(N) ───
//
// PHASE 3
//
//  PROPOSER ── Learn(N, V) ──▶ every replica (no reply awaited)
//
// A Promise MUST carry the highest-numbered proposal the acceptor has already
// accepted, with its value. A proposer that ignores it can overwrite a value
// that was already chosen.
//
// On the wire these become paxos_prepare / paxos_accept / paxos_learn
// requests, see wire.go.
//
// =============================================================================

package paxos

import "github.com/senutpal/tradequorum/internal/storage"

// Value is what the replicas agree on: one trade.
type Value = storage.Record

// RejectReason is reported when an acceptor refuses a proposal.
const RejectReason = "already promised higher proposal"

type Prepare struct {
	Slot           Slot
	ProposalNumber ProposalNumber
	From           int
}

type Promise struct {
	OK             bool
	ProposalNumber ProposalNumber

	// AcceptedProposal is NoProposal when nothing was accepted in this slot.
	AcceptedProposal ProposalNumber
	AcceptedValue    *Value

	// HighestSeen is the acceptor's promise when it rejects.
	HighestSeen ProposalNumber
	From        int
}

type Accept struct {
	Slot           Slot
	ProposalNumber ProposalNumber
	Value          Value
	From           int
}

type Accepted struct {
	OK             bool
	ProposalNumber ProposalNumber
	HighestSeen    ProposalNumber
	From           int
}

type Learn struct {
	Slot           Slot
	ProposalNumber ProposalNumber
	Value          Value
	From           int
}

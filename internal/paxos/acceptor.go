// Acceptor state, one record per slot.
//
// A slot keeps the highest proposal promised, every proposal accepted and
// the highest of those. Prepare(n) is answered only for n above the
// promise, and the answer carries the highest accepted proposal with its
// value. Accept(n, v) is taken when n is at least the promise, so the
// proposer that was promised n can use it.
//
// None of this is written to disk. A restarted replica starts every slot at
// NoProposal. For transaction slots the log stands in for the lost state:
// a trade already applied under that number is reported as accepted at
// CommittedProposal, and an Accept for a different trade is refused.

package paxos

import (
	"sort"
	"sync"
)

// CommittedProposal is the proposal number reported for a trade read back
// from the log. It is above NoProposal and below any number a proposer
// generates.
const CommittedProposal ProposalNumber = 0

// Committed looks up trades already applied to the local log.
type Committed interface {
	Applied(txn int64) (Value, bool)
}

type slotState struct {
	promised        ProposalNumber
	accepted        map[ProposalNumber]Value
	highestAccepted ProposalNumber
}

// Acceptor answers Prepare and Accept requests. One mutex serializes every
// mutation, so concurrent proposer rounds interleave safely; they may still
// reject each other.
type Acceptor struct {
	id        int
	committed Committed
	mu        sync.Mutex
	slots     map[Slot]*slotState
}

// NewAcceptor returns an acceptor for replica id. committed may be nil.
func NewAcceptor(id int, committed Committed) *Acceptor {
	return &Acceptor{id: id, committed: committed, slots: make(map[Slot]*slotState)}
}

// logged returns the trade applied under the transaction number of s.
func (a *Acceptor) logged(s Slot) (Value, bool) {
	if a.committed == nil || s == GlobalSlot {
		return Value{}, false
	}
	return a.committed.Applied(int64(s))
}

func (a *Acceptor) slot(s Slot) *slotState {
	st, ok := a.slots[s]
	if !ok {
		st = &slotState{
			promised:        NoProposal,
			accepted:        make(map[ProposalNumber]Value),
			highestAccepted: NoProposal,
		}
		a.slots[s] = st
	}
	return st
}

func (a *Acceptor) HandlePrepare(msg Prepare) Promise {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.slot(msg.Slot)
	if msg.ProposalNumber <= st.promised {
		log.Debugf("acceptor %d: reject prepare %v in %v, promised %v", a.id, msg.ProposalNumber, msg.Slot, st.promised)
		return Promise{
			ProposalNumber:   msg.ProposalNumber,
			AcceptedProposal: NoProposal,
			HighestSeen:      st.promised,
			From:             a.id,
		}
	}
	st.promised = msg.ProposalNumber

	p := Promise{
		OK:               true,
		ProposalNumber:   msg.ProposalNumber,
		AcceptedProposal: st.highestAccepted,
		HighestSeen:      st.promised,
		From:             a.id,
	}
	if v, ok := st.accepted[st.highestAccepted]; ok {
		p.AcceptedValue = &v
	}
	if v, ok := a.logged(msg.Slot); ok {
		p.AcceptedValue = &v
		if p.AcceptedProposal == NoProposal {
			p.AcceptedProposal = CommittedProposal
		}
	}
	return p
}

func (a *Acceptor) HandleAccept(msg Accept) Accepted {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.slot(msg.Slot)
	if msg.ProposalNumber < st.promised {
		log.Debugf("acceptor %d: reject accept %v in %v, promised %v", a.id, msg.ProposalNumber, msg.Slot, st.promised)
		return Accepted{ProposalNumber: msg.ProposalNumber, HighestSeen: st.promised, From: a.id}
	}
	if v, ok := a.logged(msg.Slot); ok && !v.SameTrade(msg.Value) {
		log.Warnf("acceptor %d: reject accept %v in %v, log holds %+v", a.id, msg.ProposalNumber, msg.Slot, v)
		return Accepted{ProposalNumber: msg.ProposalNumber, HighestSeen: st.promised, From: a.id}
	}
	st.accepted[msg.ProposalNumber] = msg.Value
	st.promised = msg.ProposalNumber
	if msg.ProposalNumber > st.highestAccepted {
		st.highestAccepted = msg.ProposalNumber
	}
	return Accepted{OK: true, ProposalNumber: msg.ProposalNumber, HighestSeen: st.promised, From: a.id}
}

// AcceptorState is a snapshot of one slot.
type AcceptorState struct {
	Promised        ProposalNumber
	HighestAccepted ProposalNumber
	AcceptedValue   *Value
	// Accepted lists every accepted proposal number in increasing order.
	Accepted []ProposalNumber
}

// State returns a snapshot of slot s, for tests and debugging.
func (a *Acceptor) State(s Slot) AcceptorState {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.slots[s]
	if !ok {
		return AcceptorState{Promised: NoProposal, HighestAccepted: NoProposal}
	}
	out := AcceptorState{Promised: st.promised, HighestAccepted: st.highestAccepted}
	if v, ok := st.accepted[st.highestAccepted]; ok {
		out.AcceptedValue = &v
	}
	for n := range st.accepted {
		out.Accepted = append(out.Accepted, n)
	}
	sort.Slice(out.Accepted, func(i, j int) bool { return out.Accepted[i] < out.Accepted[j] })
	return out
}

// =============================================================================
// PROPOSER - Driving a Round Across the Replica Set
// =============================================================================
//
// One call to Propose is one round for one candidate value:
//
//   PHASE 1  Prepare(N) to every replica, ourselves included. Count the
//            replicas that answered and the promises. With a majority of
//            promises, adopt the value of the highest-numbered proposal any
//            promise reports, else keep the candidate.
//
//   PHASE 2  Accept(N, V) to every replica, once. A majority of accepts
//            chooses V.
//
//   PHASE 3  Apply V locally, then send Learn(N, V) to every peer without
//            waiting for replies. A peer that misses it catches up through
//            the sync RPC.
//
// Messages within a phase are sent in parallel, each with its own timeout.
// A peer that times out or refuses the connection is unreachable for this
// phase. How unreachable peers count is up to the QuorumPolicy.
//
// A failed phase fails the round. The proposer never retries by itself.
//
// =============================================================================

package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("paxos")

var (
	ErrNoPromiseMajority = errors.New("failed to get majority of promises")
	ErrNoAcceptMajority  = errors.New("failed to get majority of accepts")
)

// NotChosen reports whether err means the round decided nothing, as opposed
// to a chosen value that could not be applied locally.
func NotChosen(err error) bool {
	return errors.Is(err, ErrNoPromiseMajority) || errors.Is(err, ErrNoAcceptMajority)
}

// Outcome describes a round. A failed round still reports how far it got.
type Outcome struct {
	Proposal ProposalNumber
	Value    Value
	// Carried is set when the chosen value came from an earlier proposal
	// rather than from the caller.
	Carried bool
	// AcceptSent is set once Accept(Proposal, Value) went out to any
	// replica. From then on Value may be chosen by a later round, even if
	// this one fails.
	AcceptSent bool
}

type ProposerConfig struct {
	Quorum QuorumPolicy
	// Timeout bounds every individual peer call.
	Timeout time.Duration
}

type Proposer struct {
	id      int
	peers   []Peer
	learner *Learner
	cfg     ProposerConfig

	mu       sync.Mutex
	sequence int64
}

// NewProposer returns a proposer for replica id. peers is the full
// membership, including a LocalPeer for id itself.
func NewProposer(id int, peers []Peer, learner *Learner, cfg ProposerConfig) *Proposer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	return &Proposer{id: id, peers: peers, learner: learner, cfg: cfg}
}

func (p *Proposer) members() int { return len(p.peers) }

// nextProposal returns a number higher than any this proposer has used or
// seen rejected.
func (p *Proposer) nextProposal() ProposalNumber {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence++
	return NewProposalNumber(p.sequence, p.members(), p.id)
}

// observe raises the sequence so the next proposal outbids n.
func (p *Proposer) observe(n ProposalNumber) {
	if n < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq := n.Sequence(p.members()); seq > p.sequence {
		p.sequence = seq
	}
}

// Propose runs all three phases for value in slot s. On error the returned
// Outcome tells whether phase 2 was reached.
func (p *Proposer) Propose(ctx context.Context, s Slot, value Value) (Outcome, error) {
	n, chosen, carried, err := p.prepare(ctx, s, value)
	if err != nil {
		return Outcome{Proposal: n}, err
	}
	out := Outcome{Proposal: n, Value: chosen, Carried: carried, AcceptSent: true}
	if err := p.accept(ctx, s, n, chosen); err != nil {
		return out, err
	}
	if err := p.learn(s, n, chosen); err != nil {
		return out, err
	}
	return out, nil
}

type reply[T any] struct {
	peer int
	msg  T
	err  error
}

// gather calls every peer in parallel and waits for all of them.
func gather[T any](ctx context.Context, peers []Peer, timeout time.Duration, call func(context.Context, Peer) (T, error)) []reply[T] {
	replies := make([]reply[T], len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer Peer) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			msg, err := call(cctx, peer)
			replies[i] = reply[T]{peer: peer.ID(), msg: msg, err: err}
		}(i, peer)
	}
	wg.Wait()
	return replies
}

// answered reports whether a peer call reached the replica. Rejections and
// error responses count as answers.
func answered(err error) bool {
	return err == nil || !errors.Is(err, transport.ErrUnreachable)
}

func (p *Proposer) prepare(ctx context.Context, s Slot, value Value) (ProposalNumber, Value, bool, error) {
	n := p.nextProposal()
	msg := Prepare{Slot: s, ProposalNumber: n, From: p.id}
	replies := gather(ctx, p.peers, p.cfg.Timeout, func(ctx context.Context, peer Peer) (Promise, error) {
		return peer.Prepare(ctx, msg)
	})

	var (
		reachable, promises int
		highest             = NoProposal
		carry               *Value
	)
	for _, r := range replies {
		if !answered(r.err) {
			log.Warnf("replica %d: prepare %v: replica %d unreachable: %v", p.id, n, r.peer, r.err)
			continue
		}
		reachable++
		if r.err != nil {
			log.Warnf("replica %d: prepare %v: replica %d: %v", p.id, n, r.peer, r.err)
			continue
		}
		if !r.msg.OK {
			p.observe(r.msg.HighestSeen)
			continue
		}
		promises++
		prior := r.msg.AcceptedProposal
		if r.msg.AcceptedValue == nil || prior <= highest {
			continue
		}
		// In the global slot, a value this replica already learned belongs
		// to a finished round and is not proposed again.
		if s == GlobalSlot && p.learner != nil && p.learner.HasLearned(s, prior) {
			continue
		}
		highest = prior
		carry = r.msg.AcceptedValue
	}

	if !p.cfg.Quorum.Reached(promises, reachable, p.members()) {
		log.Infof("replica %d: failed to get majority of promises (%d/%d) for %v", p.id, promises, reachable, n)
		return n, Value{}, false, fmt.Errorf("%w (%d/%d)", ErrNoPromiseMajority, promises, reachable)
	}
	log.Infof("replica %d: received majority of promises (%d/%d) for %v", p.id, promises, reachable, n)

	if carry != nil {
		log.Infof("replica %d: %v carries value of proposal %v: %+v", p.id, n, highest, *carry)
		return n, *carry, true, nil
	}
	return n, value, false, nil
}

func (p *Proposer) accept(ctx context.Context, s Slot, n ProposalNumber, v Value) error {
	msg := Accept{Slot: s, ProposalNumber: n, Value: v, From: p.id}
	replies := gather(ctx, p.peers, p.cfg.Timeout, func(ctx context.Context, peer Peer) (Accepted, error) {
		return peer.Accept(ctx, msg)
	})

	var reachable, accepts int
	for _, r := range replies {
		if !answered(r.err) {
			log.Warnf("replica %d: accept %v: replica %d unreachable: %v", p.id, n, r.peer, r.err)
			continue
		}
		reachable++
		if r.err != nil {
			log.Warnf("replica %d: accept %v: replica %d: %v", p.id, n, r.peer, r.err)
			continue
		}
		if !r.msg.OK {
			p.observe(r.msg.HighestSeen)
			continue
		}
		accepts++
	}

	log.Debugf("replica %d: reachable replicas: %d, majority needed: %d", p.id, reachable, p.cfg.Quorum.Majority(reachable, p.members()))
	if !p.cfg.Quorum.Reached(accepts, reachable, p.members()) {
		log.Infof("replica %d: proposal %v not accepted by majority (%d/%d)", p.id, n, accepts, reachable)
		return fmt.Errorf("%w (%d/%d)", ErrNoAcceptMajority, accepts, reachable)
	}
	log.Infof("replica %d: proposal %v accepted by majority (%d/%d)", p.id, n, accepts, reachable)
	return nil
}

// learn applies v locally and notifies the other replicas in the background.
func (p *Proposer) learn(s Slot, n ProposalNumber, v Value) error {
	msg := Learn{Slot: s, ProposalNumber: n, Value: v, From: p.id}
	var local error
	if p.learner != nil {
		local = p.learner.Learn(msg)
	}

	for _, peer := range p.peers {
		if peer.ID() == p.id {
			continue
		}
		go func(peer Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
			defer cancel()
			if err := peer.Learn(ctx, msg); err != nil {
				log.Warnf("replica %d: failed to send learn message to replica %d: %v", p.id, peer.ID(), err)
			}
		}(peer)
	}
	return local
}

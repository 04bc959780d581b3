package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

// fakePeer wraps a real acceptor and can be made unreachable or rejecting.
type fakePeer struct {
	id       int
	acceptor *Acceptor

	mu          sync.Mutex
	down        bool
	rejectPrep  bool
	rejectAcc   bool
	learned     []Learn
	learnSignal chan struct{}
}

func newFakePeer(id int) *fakePeer {
	return &fakePeer{id: id, acceptor: NewAcceptor(id, nil), learnSignal: make(chan struct{}, 16)}
}

func (f *fakePeer) ID() int { return f.id }

func (f *fakePeer) unreachable() error {
	return fmt.Errorf("%w: replica %d down", transport.ErrUnreachable, f.id)
}

func (f *fakePeer) Prepare(ctx context.Context, m Prepare) (Promise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return Promise{}, f.unreachable()
	}
	if f.rejectPrep {
		return Promise{ProposalNumber: m.ProposalNumber, AcceptedProposal: NoProposal, HighestSeen: 1000, From: f.id}, nil
	}
	return f.acceptor.HandlePrepare(m), nil
}

func (f *fakePeer) Accept(ctx context.Context, m Accept) (Accepted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return Accepted{}, f.unreachable()
	}
	if f.rejectAcc {
		return Accepted{ProposalNumber: m.ProposalNumber, HighestSeen: NoProposal, From: f.id}, nil
	}
	return f.acceptor.HandleAccept(m), nil
}

func (f *fakePeer) Learn(ctx context.Context, m Learn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return f.unreachable()
	}
	f.learned = append(f.learned, m)
	f.learnSignal <- struct{}{}
	return nil
}

type cluster struct {
	proposer *Proposer
	learner  *Learner
	log      *storage.MemoryLog
	local    *LocalPeer
	fakes    []*fakePeer
}

// newCluster builds a proposer for replica 0 with a real local acceptor and
// n-1 fake peers.
func newCluster(t *testing.T, n int, q QuorumPolicy) *cluster {
	t.Helper()
	l := storage.NewMemoryLog()
	lr, err := NewLearner(0, l)
	if err != nil {
		t.Fatal(err)
	}
	c := &cluster{learner: lr, log: l}
	c.local = NewLocalPeer(0, NewAcceptor(0, nil), lr)
	peers := []Peer{c.local}
	for id := 1; id < n; id++ {
		f := newFakePeer(id)
		c.fakes = append(c.fakes, f)
		peers = append(peers, f)
	}
	c.proposer = NewProposer(0, peers, lr, ProposerConfig{Quorum: q, Timeout: 200 * time.Millisecond})
	return c
}

func TestProposeAllReachable(t *testing.T) {
	c := newCluster(t, 3, QuorumReachable)
	v := val(0, "GameStart")

	out, err := c.proposer.Propose(context.Background(), GlobalSlot, v)
	if err != nil {
		t.Fatal(err)
	}
	if out.Value != v || out.Carried {
		t.Errorf("outcome = %+v", out)
	}
	if c.log.Len() != 1 {
		t.Errorf("local log has %d entries", c.log.Len())
	}
	if c.learner.NextTransaction() != 1 {
		t.Errorf("next = %d", c.learner.NextTransaction())
	}
	for _, f := range c.fakes {
		select {
		case <-f.learnSignal:
		case <-time.After(2 * time.Second):
			t.Fatalf("replica %d never got a learn message", f.id)
		}
	}
}

func TestProposeTwoOfThreePromises(t *testing.T) {
	for _, q := range []QuorumPolicy{QuorumReachable, QuorumFixed} {
		c := newCluster(t, 3, q)
		c.fakes[1].rejectPrep = true

		if _, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart")); err != nil {
			t.Errorf("%v: 2 of 3 promises failed: %v", q, err)
		}
	}
}

func TestProposeOneOfThreePromises(t *testing.T) {
	for _, q := range []QuorumPolicy{QuorumReachable, QuorumFixed} {
		c := newCluster(t, 3, q)
		c.fakes[0].rejectPrep = true
		c.fakes[1].rejectPrep = true

		_, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart"))
		if !errors.Is(err, ErrNoPromiseMajority) || !NotChosen(err) {
			t.Errorf("%v: err = %v, want ErrNoPromiseMajority", q, err)
		}
		if c.log.Len() != 0 {
			t.Errorf("%v: failed round wrote to the log", q)
		}
	}
}

func TestProposeWithOneReplicaUnreachable(t *testing.T) {
	for _, q := range []QuorumPolicy{QuorumReachable, QuorumFixed} {
		c := newCluster(t, 3, q)
		c.fakes[1].down = true

		if _, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart")); err != nil {
			t.Errorf("%v: %v", q, err)
		}
		if len(c.fakes[1].learned) != 0 {
			t.Errorf("%v: unreachable replica learned", q)
		}
	}
}

// With two of three replicas down, only the reachable policy lets the lone
// survivor decide.
func TestProposeMinorityIsland(t *testing.T) {
	c := newCluster(t, 3, QuorumReachable)
	c.fakes[0].down = true
	c.fakes[1].down = true
	if _, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart")); err != nil {
		t.Errorf("reachable policy: %v", err)
	}

	c = newCluster(t, 3, QuorumFixed)
	c.fakes[0].down = true
	c.fakes[1].down = true
	_, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart"))
	if !errors.Is(err, ErrNoPromiseMajority) {
		t.Errorf("fixed policy: err = %v", err)
	}
}

func TestProposeAcceptPhaseFailure(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	c.fakes[0].rejectAcc = true
	c.fakes[1].rejectAcc = true

	v := val(0, "GameStart")
	out, err := c.proposer.Propose(context.Background(), GlobalSlot, v)
	if !errors.Is(err, ErrNoAcceptMajority) {
		t.Errorf("err = %v, want ErrNoAcceptMajority", err)
	}
	// The local acceptor took the value, so a later round may still pick it.
	if !out.AcceptSent || out.Value != v {
		t.Errorf("outcome = %+v, want accept sent for %+v", out, v)
	}
	if c.log.Len() != 0 {
		t.Error("failed round wrote to the log")
	}
}

func TestProposePrepareFailureSendsNoAccept(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	c.fakes[0].rejectPrep = true
	c.fakes[1].rejectPrep = true

	out, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart"))
	if !errors.Is(err, ErrNoPromiseMajority) {
		t.Fatalf("err = %v, want ErrNoPromiseMajority", err)
	}
	if out.AcceptSent {
		t.Errorf("outcome = %+v, want no accept sent", out)
	}
	if st := c.local.acceptor.State(GlobalSlot); st.HighestAccepted != NoProposal {
		t.Errorf("local acceptor accepted %v", st.HighestAccepted)
	}
}

func TestProposeCarriesPreviouslyAcceptedValue(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	earlier := val(0, "BoarCo")
	older := val(0, "MenhirCo")

	// Two acceptors accepted different values at different numbers; the
	// higher one must win.
	c.fakes[0].acceptor.HandleAccept(Accept{Slot: 0, ProposalNumber: 4, Value: older})
	c.fakes[1].acceptor.HandleAccept(Accept{Slot: 0, ProposalNumber: 5, Value: earlier})
	c.proposer.observe(5)

	out, err := c.proposer.Propose(context.Background(), 0, val(0, "GameStart"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Carried || out.Value != earlier {
		t.Errorf("outcome = %+v, want carried %+v", out, earlier)
	}
	if out.Proposal <= 5 {
		t.Errorf("proposal %v does not outbid 5", out.Proposal)
	}
}

func TestProposeSkipsValuesAlreadyLearnedInGlobalSlot(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	first := val(0, "BoarCo")
	if _, err := c.proposer.Propose(context.Background(), GlobalSlot, first); err != nil {
		t.Fatal(err)
	}

	second := val(1, "GameStart")
	out, err := c.proposer.Propose(context.Background(), GlobalSlot, second)
	if err != nil {
		t.Fatal(err)
	}
	if out.Carried || out.Value != second {
		t.Errorf("outcome = %+v, want own value", out)
	}
}

func TestProposeOutbidsAfterRejection(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	c.fakes[0].acceptor.HandlePrepare(Prepare{Slot: GlobalSlot, ProposalNumber: 301})
	c.fakes[1].acceptor.HandlePrepare(Prepare{Slot: GlobalSlot, ProposalNumber: 301})

	if _, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart")); !errors.Is(err, ErrNoPromiseMajority) {
		t.Fatalf("first round: %v", err)
	}
	out, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart"))
	if err != nil {
		t.Fatalf("second round: %v", err)
	}
	if out.Proposal <= 301 {
		t.Errorf("second round used %v", out.Proposal)
	}
}

func TestProposeSendsEachAcceptOnce(t *testing.T) {
	c := newCluster(t, 3, QuorumFixed)
	out, err := c.proposer.Propose(context.Background(), GlobalSlot, val(0, "GameStart"))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range c.fakes {
		if got := f.acceptor.State(GlobalSlot).Accepted; len(got) != 1 || got[0] != out.Proposal {
			t.Errorf("replica %d accepted %v", f.id, got)
		}
	}
}

package paxos

import (
	"context"

	"github.com/senutpal/tradequorum/internal/transport"
)

// Peer is how a proposer reaches one replica's acceptor and learner.
type Peer interface {
	ID() int
	Prepare(ctx context.Context, m Prepare) (Promise, error)
	Accept(ctx context.Context, m Accept) (Accepted, error)
	// Learn delivers a chosen value. Remote peers do not acknowledge it.
	Learn(ctx context.Context, m Learn) error
}

// LocalPeer calls this replica's own acceptor and learner directly, without
// going through the network.
type LocalPeer struct {
	id       int
	acceptor *Acceptor
	learner  *Learner
}

func NewLocalPeer(id int, a *Acceptor, l *Learner) *LocalPeer {
	return &LocalPeer{id: id, acceptor: a, learner: l}
}

func (p *LocalPeer) ID() int { return p.id }

func (p *LocalPeer) Prepare(_ context.Context, m Prepare) (Promise, error) {
	return p.acceptor.HandlePrepare(m), nil
}

func (p *LocalPeer) Accept(_ context.Context, m Accept) (Accepted, error) {
	return p.acceptor.HandleAccept(m), nil
}

func (p *LocalPeer) Learn(_ context.Context, m Learn) error {
	return p.learner.Learn(m)
}

// RemotePeer sends protocol messages to another replica.
type RemotePeer struct {
	id   int
	addr string
	t    transport.Transport
}

func NewRemotePeer(id int, addr string, t transport.Transport) *RemotePeer {
	return &RemotePeer{id: id, addr: addr, t: t}
}

func (p *RemotePeer) ID() int { return p.id }

func (p *RemotePeer) Prepare(ctx context.Context, m Prepare) (Promise, error) {
	resp, err := p.t.Call(ctx, p.addr, EncodePrepare(m))
	if err != nil {
		return Promise{}, err
	}
	return DecodePromise(resp, m.ProposalNumber, p.id)
}

func (p *RemotePeer) Accept(ctx context.Context, m Accept) (Accepted, error) {
	resp, err := p.t.Call(ctx, p.addr, EncodeAccept(m))
	if err != nil {
		return Accepted{}, err
	}
	return DecodeAccepted(resp, m.ProposalNumber, p.id)
}

func (p *RemotePeer) Learn(ctx context.Context, m Learn) error {
	return p.t.Send(ctx, p.addr, EncodeLearn(m))
}

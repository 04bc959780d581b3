// =============================================================================
// REPLICA - One Order Service Process
// =============================================================================
//
// A replica plays every Paxos role at once and also answers clients:
//
//   ┌──────────────────────────────────────────────────────────┐
//   │                        REPLICA                           │
//   │                                                          │
//   │   trade ──▶ inventory.Update ──▶ PROPOSER ──┐            │
//   │                                             │ prepare    │
//   │   paxos_prepare / paxos_accept ──▶ ACCEPTOR │ accept     │
//   │   paxos_learn ─────────────────▶ LEARNER ◀──┘ learn      │
//   │                                     │                    │
//   │   lookup / lookup_local / sync ─────┴──▶ transaction log │
//   └──────────────────────────────────────────────────────────┘
//
// Requests arrive through Handle, one call per request, from the TCP server
// or the in-memory network. The acceptor and the learner carry their own
// locks, so requests are handled concurrently.
//
// The background loop started by Start only drives catch-up: once at start
// and then every sync interval, the replica asks its peers for trades it
// missed while it was down or cut off.
//
// =============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/config"
	"github.com/senutpal/tradequorum/internal/inventory"
	"github.com/senutpal/tradequorum/internal/paxos"
	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("node")

// unknownSender fills the From field of protocol messages that arrive over
// the wire, which does not identify the sender.
const unknownSender = -1

type Replica struct {
	id        int
	cfg       config.Config
	self      transport.Peer
	others    []transport.Peer
	transport transport.Transport
	log       storage.Log
	inventory inventory.Inventory

	acceptor *paxos.Acceptor
	learner  *paxos.Learner
	proposer *paxos.Proposer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a replica from cfg. The learner recovers the transaction counter
// from l before New returns.
func New(cfg config.Config, t transport.Transport, l storage.Log, inv inventory.Inventory) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	learner, err := paxos.NewLearner(cfg.ID, l)
	if err != nil {
		return nil, err
	}
	acceptor := paxos.NewAcceptor(cfg.ID, learner)

	r := &Replica{
		id:        cfg.ID,
		cfg:       cfg,
		self:      cfg.Self(),
		transport: t,
		log:       l,
		inventory: inv,
		acceptor:  acceptor,
		learner:   learner,
		stopCh:    make(chan struct{}),
	}

	peers := make([]paxos.Peer, 0, len(cfg.Replicas))
	for _, p := range cfg.Replicas {
		if p.ID == cfg.ID {
			peers = append(peers, paxos.NewLocalPeer(p.ID, acceptor, learner))
			continue
		}
		peers = append(peers, paxos.NewRemotePeer(p.ID, p.Addr(), t))
		r.others = append(r.others, p)
	}
	r.proposer = paxos.NewProposer(cfg.ID, peers, learner, paxos.ProposerConfig{
		Quorum:  cfg.Quorum,
		Timeout: cfg.RPCTimeout,
	})
	return r, nil
}

func (r *Replica) ID() int { return r.id }

// Addr is the address peers use to reach this replica.
func (r *Replica) Addr() string { return r.self.Addr() }

// NextTransaction returns the number this replica would use for its next
// trade.
func (r *Replica) NextTransaction() int64 { return r.learner.NextTransaction() }

// Start launches the catch-up loop. It returns immediately.
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stopCh)
	log.Infof("replica %d: started at %s with %d peers (quorum %v, numbering %v)",
		r.id, r.Addr(), len(r.others), r.cfg.Quorum, r.cfg.Numbering)
	return nil
}

// Stop ends the loop and waits for it.
func (r *Replica) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Replica) loop(stopCh chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.syncOnce(ctx)
	if r.cfg.SyncInterval <= 0 {
		<-stopCh
		return
	}
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.syncOnce(ctx)
		}
	}
}

func (r *Replica) syncOnce(ctx context.Context) {
	if _, err := r.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("replica %d: catch-up: %v", r.id, err)
	}
}

// Handle answers one client or peer request.
func (r *Replica) Handle(ctx context.Context, req *transport.Request) *transport.Response {
	log.Debugf("replica %d: %s", r.id, req.Action)

	switch req.Action {
	case transport.ActionPing:
		return transport.Success(nil)

	case transport.ActionTrade:
		txn, err := r.SubmitTrade(ctx, req.StockName, req.Quantity, req.OrderType)
		if err != nil {
			return transport.Failure(err)
		}
		return transport.Success(TradeResult{TransactionNumber: txn})

	case transport.ActionLookup:
		if req.OrderNumber == nil {
			return transport.Failure(transport.Errorf(transport.CodeBadRequest, "missing order number"))
		}
		o, err := r.Lookup(ctx, *req.OrderNumber)
		if err != nil {
			return transport.Failure(err)
		}
		return transport.Success(o)

	case transport.ActionLookupLocal:
		if req.OrderNumber == nil {
			return transport.Failure(transport.Errorf(transport.CodeBadRequest, "missing order number"))
		}
		o, ok, err := r.LookupLocal(*req.OrderNumber)
		if err != nil {
			return transport.Failure(err)
		}
		if !ok {
			return transport.Failure(errOrderNotFound)
		}
		return transport.Success(o)

	case transport.ActionSync:
		last := int64(-1)
		if req.LastTransaction != nil {
			last = *req.LastTransaction
		}
		orders, err := storage.Since(r.log, last)
		if err != nil {
			return transport.Failure(err)
		}
		return &transport.Response{Status: transport.StatusSuccess, Orders: orders}

	case transport.ActionPrepare:
		p := r.acceptor.HandlePrepare(paxos.DecodePrepare(req, unknownSender))
		return paxos.EncodePromise(p)

	case transport.ActionAccept:
		m, err := paxos.DecodeAccept(req, unknownSender)
		if err != nil {
			return transport.Failure(transport.Errorf(transport.CodeBadRequest, "%v", err))
		}
		return paxos.EncodeAccepted(r.acceptor.HandleAccept(m))

	case transport.ActionLearn:
		m, err := paxos.DecodeLearn(req, unknownSender)
		if err != nil {
			return transport.Failure(transport.Errorf(transport.CodeBadRequest, "%v", err))
		}
		if err := r.learner.Learn(m); err != nil {
			return transport.Failure(err)
		}
		return &transport.Response{Status: transport.StatusLearned}
	}

	return transport.Failure(transport.Errorf(transport.CodeBadRequest, "unknown action %q", req.Action))
}

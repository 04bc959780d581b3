package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/senutpal/tradequorum/internal/config"
	"github.com/senutpal/tradequorum/internal/inventory"
	"github.com/senutpal/tradequorum/internal/paxos"
	"github.com/senutpal/tradequorum/internal/transport"
)

// TradeResult is the data of a successful trade response.
type TradeResult struct {
	TransactionNumber int64 `json:"transaction_number"`
}

// errNotOrdered means every round this replica ran completed some other
// trade.
var errNotOrdered = errors.New("trade was not ordered")

// SubmitTrade applies the order to the inventory, then agrees on a
// transaction number for it with the other replicas.
//
// Inventory errors are returned as they are. A consensus failure is
// returned as a 500. With compensation enabled the inventory change is
// reversed first, but only if no Accept carrying this trade was ever sent:
// after that a later round may still choose it.
func (r *Replica) SubmitTrade(ctx context.Context, stock string, quantity int, orderType string) (int64, error) {
	if stock == "" {
		return 0, transport.Errorf(transport.CodeBadRequest, "missing stock name")
	}
	if quantity <= 0 {
		return 0, transport.Errorf(transport.CodeBadRequest, "invalid quantity %d", quantity)
	}
	delta, err := inventory.Delta(orderType, quantity)
	if err != nil {
		return 0, err
	}
	if _, err := r.inventory.Update(ctx, stock, delta); err != nil {
		return 0, err
	}

	v := paxos.Value{
		StockName: stock,
		OrderType: orderType,
		Quantity:  quantity,
		RequestID: uuid.NewString(),
	}
	txn, exposed, err := r.order(ctx, v)
	if err != nil {
		if paxos.NotChosen(err) || errors.Is(err, errNotOrdered) {
			switch {
			case !r.cfg.Compensate:
			case exposed:
				log.Warnf("replica %d: keeping inventory change for %s, the trade may still be chosen", r.id, stock)
			default:
				r.compensate(stock, -delta)
			}
		}
		return 0, transport.Errorf(transport.CodeInternal, "%v", err)
	}
	log.Infof("replica %d: trade %s %d %s ordered as transaction %d", r.id, orderType, quantity, stock, txn)
	return txn, nil
}

// order runs consensus rounds until v itself is chosen. exposed reports
// whether any round sent an Accept carrying v.
func (r *Replica) order(ctx context.Context, v paxos.Value) (txn int64, exposed bool, err error) {
	candidate := r.learner.NextTransaction()
	for round := 1; round <= r.cfg.MaxRounds; round++ {
		v.TransactionNumber = candidate
		slot := paxos.GlobalSlot
		if r.cfg.Numbering == config.NumberingConsensus {
			slot = paxos.Slot(candidate)
		}

		out, err := r.proposer.Propose(ctx, slot, v)
		ours := out.Value.RequestID == v.RequestID
		if out.AcceptSent && ours {
			exposed = true
		}
		if err != nil {
			return 0, exposed, err
		}
		if ours {
			r.learner.Advance(candidate)
			return candidate, exposed, nil
		}

		log.Infof("replica %d: round %d completed transaction %d for %s instead of ours",
			r.id, round, out.Value.TransactionNumber, out.Value.StockName)
		if slot != paxos.GlobalSlot {
			if next := r.learner.NextTransaction(); next > candidate+1 {
				candidate = next
			} else {
				candidate++
			}
		}
	}
	return 0, exposed, fmt.Errorf("%w after %d rounds", errNotOrdered, r.cfg.MaxRounds)
}

func (r *Replica) compensate(stock string, change int) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RPCTimeout)
	defer cancel()
	if _, err := r.inventory.Update(ctx, stock, change); err != nil {
		log.Errorf("replica %d: failed to reverse inventory change of %d for %s: %v", r.id, change, stock, err)
		return
	}
	log.Warnf("replica %d: reversed inventory change for %s after consensus failure", r.id, stock)
}

package node

import (
	"context"
	"errors"

	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

var errOrderNotFound = transport.Errorf(transport.CodeNotFound, "Order not found")

// Order is the data of a lookup response.
type Order struct {
	Number   int64  `json:"number"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
}

func orderOf(r storage.Record) Order {
	return Order{Number: r.TransactionNumber, Name: r.StockName, Type: r.OrderType, Quantity: r.Quantity}
}

// LookupLocal searches this replica's own log.
func (r *Replica) LookupLocal(n int64) (Order, bool, error) {
	e, ok, err := storage.Find(r.log, n)
	if err != nil || !ok {
		return Order{}, ok, err
	}
	return orderOf(e.Record), true, nil
}

// Lookup returns order n from the local log, or from the first peer that
// has it.
func (r *Replica) Lookup(ctx context.Context, n int64) (Order, error) {
	o, ok, err := r.LookupLocal(n)
	if err != nil {
		return Order{}, err
	}
	if ok {
		return o, nil
	}

	for _, p := range r.others {
		resp, err := r.transport.Call(ctx, p.Addr(), &transport.Request{
			Action:      transport.ActionLookupLocal,
			OrderNumber: &n,
		})
		if err != nil {
			log.Debugf("replica %d: lookup %d on %v: %v", r.id, n, p, err)
			continue
		}
		if err := resp.Err(); err != nil {
			var e *transport.Error
			if !errors.As(err, &e) || e.Code != transport.CodeNotFound {
				log.Warnf("replica %d: lookup %d on %v: %v", r.id, n, p, err)
			}
			continue
		}
		if err := resp.Decode(&o); err != nil {
			log.Warnf("replica %d: lookup %d on %v: %v", r.id, n, p, err)
			continue
		}
		log.Infof("replica %d: order %d found on %v", r.id, n, p)
		return o, nil
	}
	return Order{}, errOrderNotFound
}

// =============================================================================
// INVENTORY - The Catalog Collaborator
// =============================================================================
//
// Every trade changes the catalog's stock volume before it is ordered by
// consensus. The catalog is a separate service; replicas only know its
// address and the "update" action:
//
//   {"action": "update", "stock_name": "GameStart", "quantity_change": 1}
//   {"status": "success", "data": {"name": "GameStart", "price": 15.99, "quantity": 101}}
//
// A sell adds shares to the catalog and a buy removes them. The catalog
// refuses updates that would take a stock below zero.
//
// =============================================================================

package inventory

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/storage"
	"github.com/senutpal/tradequorum/internal/transport"
)

var log = logging.Logger("inventory")

// Stock is one catalog entry.
type Stock struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Inventory applies volume changes to the catalog. Errors meant for the
// client are *transport.Error values.
type Inventory interface {
	Update(ctx context.Context, stock string, change int) (Stock, error)
}

// Delta returns the catalog volume change for an order.
func Delta(orderType string, quantity int) (int, error) {
	switch orderType {
	case storage.OrderSell:
		return quantity, nil
	case storage.OrderBuy:
		return -quantity, nil
	}
	return 0, transport.Errorf(transport.CodeBadRequest, "invalid order type %q", orderType)
}

// Remote talks to a catalog service over a Transport.
type Remote struct {
	addr string
	t    transport.Transport
}

func NewRemote(addr string, t transport.Transport) *Remote {
	return &Remote{addr: addr, t: t}
}

func (r *Remote) Update(ctx context.Context, stock string, change int) (Stock, error) {
	resp, err := r.t.Call(ctx, r.addr, &transport.Request{
		Action:         transport.ActionUpdate,
		StockName:      stock,
		QuantityChange: change,
	})
	if err != nil {
		log.Warnf("catalog %s: update %s by %d: %v", r.addr, stock, change, err)
		return Stock{}, transport.Errorf(transport.CodeInternal, "catalog service communication error: %v", err)
	}
	if err := resp.Err(); err != nil {
		return Stock{}, err
	}
	var s Stock
	if len(resp.Data) == 0 {
		return s, nil
	}
	if err := resp.Decode(&s); err != nil {
		return Stock{}, transport.Errorf(transport.CodeInternal, "catalog service communication error: %v", err)
	}
	return s, nil
}

func (s Stock) String() string {
	return fmt.Sprintf("%s (%.2f x %d)", s.Name, s.Price, s.Quantity)
}

package node

import (
	"context"

	"github.com/senutpal/tradequorum/internal/transport"
)

// Sync fetches the trades this replica is missing from the first peer that
// has any, and applies them. It returns how many were applied.
func (r *Replica) Sync(ctx context.Context) (int, error) {
	last := r.learner.Contiguous()
	for _, p := range r.others {
		resp, err := r.transport.Call(ctx, p.Addr(), &transport.Request{
			Action:          transport.ActionSync,
			LastTransaction: &last,
		})
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			log.Debugf("replica %d: sync with %v: %v", r.id, p, err)
			continue
		}
		if err := resp.Err(); err != nil {
			log.Warnf("replica %d: sync with %v: %v", r.id, p, err)
			continue
		}
		if len(resp.Orders) == 0 {
			continue
		}
		n, err := r.learner.CatchUp(resp.Orders)
		if err != nil {
			return n, err
		}
		if n > 0 {
			log.Infof("replica %d: caught up %d orders from %v", r.id, n, p)
		}
		return n, nil
	}
	return 0, nil
}

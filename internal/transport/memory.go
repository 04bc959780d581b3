// =============================================================================
// IN-MEMORY TRANSPORT - Testing Replicas Without Sockets
// =============================================================================
//
// Network is a registry of handlers keyed by address. Each replica gets its
// own Transport from Network.Transport(addr) so the network knows who is
// sending, which lets tests cut one replica off from everybody else:
//
//   net.Partition("r2")   // calls to and from r2 fail with ErrUnreachable
//   net.Heal("r2")
//
// Requests and responses are round-tripped through JSON so that handlers
// see exactly what they would see over TCP.
//
// =============================================================================

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DropFunc decides whether a request from one address to another is lost.
type DropFunc func(from, to string, req *Request) bool

// Network connects in-memory transports.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	isolated map[string]bool
	drop     DropFunc
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		isolated: make(map[string]bool),
	}
}

// Register makes h reachable at addr.
func (n *Network) Register(addr string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[addr] = h
}

// Unregister removes addr, simulating a crashed process.
func (n *Network) Unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, addr)
}

// Partition cuts addr off from every other address.
func (n *Network) Partition(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[addr] = true
}

// Heal reconnects addr.
func (n *Network) Heal(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, addr)
}

// DropIf installs a filter for lost messages. A nil filter drops nothing.
func (n *Network) DropIf(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Transport returns a Transport that sends from addr.
func (n *Network) Transport(addr string) *MemoryTransport {
	return &MemoryTransport{addr: addr, network: n}
}

func (n *Network) route(from, to string, req *Request) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] {
		return nil, fmt.Errorf("%w: %s -> %s partitioned", ErrUnreachable, from, to)
	}
	if n.drop != nil && n.drop(from, to, req) {
		return nil, fmt.Errorf("%w: %s -> %s dropped %s", ErrUnreachable, from, to, req.Action)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: connection refused by %s", ErrUnreachable, to)
	}
	return h, nil
}

// MemoryTransport is one endpoint on a Network.
type MemoryTransport struct {
	addr    string
	network *Network
}

func (t *MemoryTransport) Call(ctx context.Context, addr string, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	h, err := t.network.route(t.addr, addr, req)
	if err != nil {
		return nil, err
	}
	wire, err := roundTrip[Request](req)
	if err != nil {
		return nil, err
	}
	resp := h.Handle(ctx, wire)
	if resp == nil {
		return nil, fmt.Errorf("%w: %s closed the connection", ErrUnreachable, addr)
	}
	return roundTrip[Response](resp)
}

func (t *MemoryTransport) Send(ctx context.Context, addr string, req *Request) error {
	_, err := t.Call(ctx, addr, req)
	return err
}

func roundTrip[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// TRANSPORT - Moving JSON Messages Between Replicas
// =============================================================================
//
// Every interaction in the system is a synchronous request/response pair:
//
//   ┌──────────┐   {"action": "paxos_prepare", ...}   ┌──────────┐
//   │  CALLER  │ ───────────────────────────────────▶ │  SERVER  │
//   │          │ ◀─────────────────────────────────── │          │
//   └──────────┘   {"status": "promise", ...}         └──────────┘
//
// Messages are flat JSON objects. The "action" field selects the operation
// and the remaining fields are the arguments; the wire format is shared with
// the HTTP gateway and the catalog service, which are not written in Go.
//
// A failed dial, write, read or timeout is reported as ErrUnreachable. A
// peer that answers "rejected" is reachable: rejection is a protocol
// outcome, not a transport failure.
//
// =============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"

	logging "github.com/ipfs/go-log"

	"github.com/senutpal/tradequorum/internal/storage"
)

var log = logging.Logger("transport")

// Actions understood by replicas and the catalog.
const (
	ActionPing        = "ping"
	ActionTrade       = "trade"
	ActionLookup      = "lookup"
	ActionLookupLocal = "lookup_local"
	ActionSync        = "sync"
	ActionPrepare     = "paxos_prepare"
	ActionAccept      = "paxos_accept"
	ActionLearn       = "paxos_learn"
	ActionUpdate      = "update"
)

// Response statuses.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusPromise  = "promise"
	StatusRejected = "rejected"
	StatusAccepted = "accepted"
	StatusLearned  = "learned"
)

// Error codes carried in Error.Code.
const (
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeInternal    = 500
	CodeUnavailable = 503
)

// ErrUnreachable wraps every failure to exchange a message with a peer.
var ErrUnreachable = errors.New("replica unreachable")

// Transport delivers requests to the replica or service listening at addr.
type Transport interface {
	// Call sends req and waits for the response. A transport failure is
	// returned wrapped in ErrUnreachable.
	Call(ctx context.Context, addr string, req *Request) (*Response, error)

	// Send delivers req without waiting for a response.
	Send(ctx context.Context, addr string, req *Request) error
}

// Handler answers one request.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Request is the envelope for every message sent to a replica or the
// catalog. Only the fields relevant to Action are set.
type Request struct {
	Action string `json:"action"`

	// Paxos.
	ProposalNumber int64           `json:"proposal_number,omitempty"`
	Slot           *int64          `json:"slot,omitempty"`
	Value          *storage.Record `json:"value,omitempty"`

	// Trades and inventory.
	StockName      string `json:"stock_name,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	OrderType      string `json:"order_type,omitempty"`
	QuantityChange int    `json:"quantity_change,omitempty"`

	// Lookup and catch-up.
	OrderNumber     *int64 `json:"order_number,omitempty"`
	LastTransaction *int64 `json:"last_transaction,omitempty"`
}

// Response is the envelope for every reply.
type Response struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`

	AcceptedProposal *int64          `json:"accepted_proposal,omitempty"`
	AcceptedValue    *storage.Record `json:"accepted_value,omitempty"`
	PromisedProposal *int64          `json:"promised_proposal,omitempty"`

	Data   json.RawMessage  `json:"data,omitempty"`
	Orders []storage.Record `json:"orders,omitempty"`
	Error  *Error           `json:"error,omitempty"`
}

// Error is the client-visible error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Success builds a success response. A nil data omits the data field.
func Success(data any) *Response {
	r := &Response{Status: StatusSuccess}
	if data == nil {
		return r
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Failure(Errorf(CodeInternal, "encode response: %v", err))
	}
	r.Data = raw
	return r
}

// Failure builds an error response. Errors that are not *Error become 500s.
func Failure(err error) *Response {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: err.Error()}
	}
	return &Response{Status: StatusError, Error: e}
}

// Err returns the error carried by r, or nil if r is not an error response.
func (r *Response) Err() error {
	if r.Status != StatusError {
		return nil
	}
	if r.Error == nil {
		return &Error{Code: CodeInternal, Message: "unspecified error"}
	}
	return r.Error
}

// Decode unmarshals the data field into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Peer describes one replica in the static membership list.
type Peer struct {
	ID   int    `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return fmt.Sprintf("replica %d (%s)", p.ID, p.Addr())
}

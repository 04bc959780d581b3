// =============================================================================
// STORAGE - The Durable Transaction Log
// =============================================================================
//
// Every replica keeps its own append-only log of committed trades. The log is
// the only state that survives a restart: acceptor promises are kept in memory
// and are lost on crash, while learned values are written here before the
// replica acknowledges them.
//
// Recovery reads the log once at startup:
//
//   next_transaction = max(transaction_number in log) + 1
//
// Entries are never rewritten or deleted.
//
// =============================================================================

package storage

import (
	"errors"
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("storage")

// Order types accepted by the exchange.
const (
	OrderBuy  = "buy"
	OrderSell = "sell"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("storage: log closed")

// Record is one committed trade. It is also the value the replicas agree on.
//
// RequestID identifies the client submission that produced the record. It
// travels with the value on the wire but is not part of the persisted row.
type Record struct {
	TransactionNumber int64  `json:"transaction_number"`
	StockName         string `json:"stock_name"`
	OrderType         string `json:"order_type"`
	Quantity          int    `json:"quantity"`
	RequestID         string `json:"request_id,omitempty"`
}

// SameTrade reports whether r and o describe the same row, ignoring RequestID.
func (r Record) SameTrade(o Record) bool {
	return r.TransactionNumber == o.TransactionNumber &&
		r.StockName == o.StockName &&
		r.OrderType == o.OrderType &&
		r.Quantity == o.Quantity
}

// Entry is a Record together with the time it was written.
type Entry struct {
	Record
	Timestamp time.Time
}

// Log is an append-only sequence of entries.
type Log interface {
	// Append durably writes e at the end of the log.
	Append(e Entry) error

	// Scan calls fn for every entry in append order. Scanning stops at the
	// first error returned by fn, which Scan returns.
	Scan(fn func(Entry) error) error

	Close() error
}

// errStop ends a scan early without reporting an error.
var errStop = errors.New("stop scan")

// MaxTransaction returns the largest transaction number in l, or -1 if l is
// empty.
func MaxTransaction(l Log) (int64, error) {
	max := int64(-1)
	err := l.Scan(func(e Entry) error {
		if e.TransactionNumber > max {
			max = e.TransactionNumber
		}
		return nil
	})
	return max, err
}

// Find returns the first entry with transaction number n.
func Find(l Log, n int64) (Entry, bool, error) {
	var (
		found Entry
		ok    bool
	)
	err := l.Scan(func(e Entry) error {
		if e.TransactionNumber == n {
			found, ok = e, true
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return found, ok, err
}

// Since returns the records with a transaction number greater than last, in
// log order.
func Since(l Log, last int64) ([]Record, error) {
	var out []Record
	err := l.Scan(func(e Entry) error {
		if e.TransactionNumber > last {
			out = append(out, e.Record)
		}
		return nil
	})
	return out, err
}

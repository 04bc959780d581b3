// =============================================================================
// LEARNER - Applying Agreed Trades
// =============================================================================
//
// Once a proposal is accepted by a majority, its value is learned: the trade
// is appended to the replica's durable log and the transaction counter moves
// past it. The proposer that won the round applies the value locally and
// then tells every peer with a Learn message.
//
// The counter and the log append are guarded by one mutex, so no reader sees
// a counter that is ahead of the log or behind it.
//
// Learning the same (slot, proposal) twice is a no-op. In the global slot a
// value that is re-proposed under a new proposal number is appended again;
// the log is not deduplicated by transaction number there. In a transaction
// slot the row is appended only once.
//
// =============================================================================

package paxos

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/senutpal/tradequorum/internal/storage"
)

// ErrConflict is returned when a transaction number already belongs to a
// different trade in the local log.
var ErrConflict = errors.New("transaction number already used by another trade")

type learnKey struct {
	slot     Slot
	proposal ProposalNumber
}

type Learner struct {
	id  int
	log storage.Log
	now func() time.Time

	mu      sync.Mutex
	learned map[learnKey]Value
	applied map[int64]Value
	next    int64
}

// NewLearner seeds the transaction counter and the index of applied
// transactions from l.
func NewLearner(id int, l storage.Log) (*Learner, error) {
	max, err := storage.MaxTransaction(l)
	if err != nil {
		return nil, fmt.Errorf("recover transaction counter: %w", err)
	}
	lr := &Learner{
		id:      id,
		log:     l,
		now:     time.Now,
		learned: make(map[learnKey]Value),
		applied: make(map[int64]Value),
		next:    max + 1,
	}
	err = l.Scan(func(e storage.Entry) error {
		if _, ok := lr.applied[e.TransactionNumber]; !ok {
			lr.applied[e.TransactionNumber] = e.Record
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index applied transactions: %w", err)
	}
	log.Infof("replica %d: transaction counter initialized to %d", id, lr.next)
	return lr, nil
}

// Learn applies a chosen value.
func (l *Learner) Learn(msg Learn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := learnKey{slot: msg.Slot, proposal: msg.ProposalNumber}
	if prev, ok := l.learned[key]; ok && prev == msg.Value {
		return nil
	}

	v := msg.Value
	if msg.Slot != GlobalSlot {
		if prev, ok := l.applied[v.TransactionNumber]; ok {
			if !prev.SameTrade(v) {
				log.Errorf("replica %d: learned %+v for %v but log holds %+v", l.id, v, msg.Slot, prev)
				return fmt.Errorf("%w: %d", ErrConflict, v.TransactionNumber)
			}
			l.learned[key] = v
			l.advance(v.TransactionNumber)
			return nil
		}
	}

	if err := l.apply(v); err != nil {
		return err
	}
	l.learned[key] = v
	log.Infof("replica %d: applied learned value: %d, %s, %s, %d", l.id, v.TransactionNumber, v.StockName, v.OrderType, v.Quantity)
	return nil
}

// apply writes v to the log and advances the counter. Callers hold l.mu.
func (l *Learner) apply(v Value) error {
	entry := storage.Entry{Record: v, Timestamp: l.now()}
	entry.RequestID = ""
	if err := l.log.Append(entry); err != nil {
		return fmt.Errorf("apply transaction %d: %w", v.TransactionNumber, err)
	}
	if _, ok := l.applied[v.TransactionNumber]; !ok {
		l.applied[v.TransactionNumber] = v
	}
	l.advance(v.TransactionNumber)
	return nil
}

func (l *Learner) advance(txn int64) {
	if txn >= l.next {
		l.next = txn + 1
	}
}

// HasLearned reports whether the value of proposal n in slot s was learned
// by this process.
func (l *Learner) HasLearned(s Slot, n ProposalNumber) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.learned[learnKey{slot: s, proposal: n}]
	return ok
}

// NextTransaction returns the local transaction counter.
func (l *Learner) NextTransaction() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Advance moves the counter past txn. It never moves it backwards.
func (l *Learner) Advance(txn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advance(txn)
}

// Applied returns the record logged under txn, if any. It lets the acceptor
// answer for transaction numbers decided before a restart.
func (l *Learner) Applied(txn int64) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.applied[txn]
	return v, ok
}

// Contiguous returns the largest n such that every transaction 0..n is in
// the local log, or -1 if transaction 0 is missing.
func (l *Learner) Contiguous() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := int64(-1)
	for {
		if _, ok := l.applied[n+1]; !ok {
			return n
		}
		n++
	}
}

// CatchUp applies records fetched from a peer. Records whose transaction
// number is already in the local log are skipped. It returns how many were
// applied.
func (l *Learner) CatchUp(records []Value) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, v := range records {
		if _, ok := l.applied[v.TransactionNumber]; ok {
			continue
		}
		if err := l.apply(v); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

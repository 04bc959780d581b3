package storage

import "sync"

// MemoryLog is a Log kept entirely in memory. It loses everything on
// restart and is intended for tests and demos.
type MemoryLog struct {
	entries []Entry
	closed  bool
	mu      sync.RWMutex
}

func NewMemoryLog(entries ...Entry) *MemoryLog {
	m := &MemoryLog{}
	m.entries = append(m.entries, entries...)
	return m
}

func (m *MemoryLog) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryLog) Scan(fn func(Entry) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries, duplicates included.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

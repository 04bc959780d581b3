package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Header is the first row of every log file.
var Header = []string{"transaction_number", "stock_name", "order_type", "quantity", "timestamp"}

// CSVLog is a Log backed by a CSV file. Every Append is flushed and synced
// before it returns.
type CSVLog struct {
	path string
	mu   sync.Mutex
	fd   *os.File
	w    *csv.Writer
}

// OpenCSVLog opens the log at path, creating it and its directory if needed.
// Existing entries are kept.
func OpenCSVLog(path string) (*CSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	fd, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	l := &CSVLog{path: path, fd: fd, w: csv.NewWriter(fd)}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := l.writeRow(Header); err != nil {
			fd.Close()
			return nil, err
		}
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *CSVLog) Path() string { return l.path }

func (l *CSVLog) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return ErrClosed
	}
	return l.writeRow([]string{
		strconv.FormatInt(e.TransactionNumber, 10),
		e.StockName,
		e.OrderType,
		strconv.Itoa(e.Quantity),
		formatTimestamp(e.Timestamp),
	})
}

func (l *CSVLog) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	if err := l.fd.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", l.path, err)
	}
	return nil
}

// Scan reads the file from the start. Rows that cannot be parsed are skipped.
func (l *CSVLog) Scan(fn func(Entry) error) error {
	l.mu.Lock()
	closed := l.fd == nil
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				log.Warnf("skipping unreadable row in %s: %v", l.path, err)
				continue
			}
			return fmt.Errorf("read log %s: %w", l.path, err)
		}
		if first {
			first = false
			if len(row) > 0 && row[0] == Header[0] {
				continue
			}
		}
		e, err := parseRow(row)
		if err != nil {
			log.Debugf("skipping row %v in %s: %v", row, l.path, err)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd == nil {
		return nil
	}
	err := l.fd.Close()
	l.fd = nil
	return err
}

func parseRow(row []string) (Entry, error) {
	if len(row) < 4 {
		return Entry{}, fmt.Errorf("want at least 4 fields, got %d", len(row))
	}
	n, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil || n < 0 {
		return Entry{}, fmt.Errorf("bad transaction number %q", row[0])
	}
	qty, err := strconv.Atoi(row[3])
	if err != nil {
		return Entry{}, fmt.Errorf("bad quantity %q", row[3])
	}
	e := Entry{Record: Record{
		TransactionNumber: n,
		StockName:         row[1],
		OrderType:         row[2],
		Quantity:          qty,
	}}
	if len(row) > 4 {
		if ts, err := parseTimestamp(row[4]); err == nil {
			e.Timestamp = ts
		}
	}
	return e, nil
}

// Timestamps are unix seconds with microsecond precision.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func parseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)), nil
}

// Package spool implements the per-sink failover queue from spec.md §3 and
// §4.7: an append-only on-disk FIFO with quota eviction, persistent across
// restarts, draining strictly in order.
//
// Each mutation is committed by writing the whole record set to a fresh
// temp file and renaming it over the spool file. That single atomic
// rename is what gives the crash-safety invariant in spec.md testable
// property 3: a record is only ever considered "removed" once the rename
// naming its absence has landed; a crash between a sink's successful Run
// and that rename leaves the old file (record still present) in place, so
// restart replays it.
package spool

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Spool is the durable FIFO backing one sink in failover mode.
type Spool struct {
	path  string
	quota int // 0 means unbounded

	mu           sync.Mutex
	records      [][]byte
	deletedCount uint64
}

// PathFor builds the spool file path for a sink, per spec.md §6:
// "<spool-dir>/<sink-name>[<instance-name>]".
func PathFor(spoolDir, sinkName, instanceName string) string {
	if instanceName == "" {
		return filepath.Join(spoolDir, sinkName)
	}
	return filepath.Join(spoolDir, fmt.Sprintf("%s[%s]", sinkName, instanceName))
}

// Open reads an existing spool file at path, if any, and returns a Spool
// ready to Append to or Drain. quota <= 0 means unbounded.
func Open(path string, quota int) (*Spool, error) {
	s := &Spool{path: path, quota: quota}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	defer f.Close()

	records, err := readRecords(f)
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", path, err)
	}
	s.records = records
	return s, nil
}

func readRecords(r io.Reader) ([][]byte, error) {
	var records [][]byte
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(r, lenBuf[:])
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		records = append(records, buf)
	}
}

// Append adds record to the tail of the spool. If the spool is already at
// quota, the oldest record is discarded and DeletedCount is incremented
// (spec.md S5).
func (s *Spool) Append(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 && len(s.records) >= s.quota {
		s.records = s.records[1:]
		s.deletedCount++
	}
	s.records = append(s.records, record)

	return s.persistLocked()
}

// Len returns the number of records currently held (spec.md's
// available_count).
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// DeletedCount returns the number of records discarded by quota eviction.
func (s *Spool) DeletedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedCount
}

// Peek returns a copy of the current record order without modifying the
// spool, for tests and observability.
func (s *Spool) Peek() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.records))
	copy(out, s.records)
	return out
}

// Drain calls deliver once per record, strictly in FIFO order, removing
// each record from the head only after deliver reports success. It stops
// at the first failure, leaving the remaining suffix (including the
// failed record) in place, and reports how many records were drained.
func (s *Spool) Drain(deliver func(record []byte) error) (drained int, err error) {
	for {
		s.mu.Lock()
		if len(s.records) == 0 {
			s.mu.Unlock()
			return drained, nil
		}
		head := s.records[0]
		s.mu.Unlock()

		if derr := deliver(head); derr != nil {
			return drained, derr
		}

		s.mu.Lock()
		// The head may only have been removed by this goroutine, since a
		// sink's Drain is single-threaded per spec.md §4.7.
		s.records = s.records[1:]
		persistErr := s.persistLocked()
		s.mu.Unlock()
		if persistErr != nil {
			return drained, persistErr
		}
		drained++
	}
}

func (s *Spool) persistLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}

	for _, rec := range s.records {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		if _, err := f.Write(lenBuf[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(rec); err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

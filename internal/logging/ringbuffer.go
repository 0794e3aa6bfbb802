package logging

import (
	"bytes"
	"sync"

	"github.com/google/renameio/v2"
)

// compactAfter bounds how many evicted slots pile up at the front of the
// record slice before it is copied down.
const compactAfter = 256

// RingBuffer keeps the most recent log records in memory so they can be
// dumped on SIGUSR1. Every Write is one record. Whole records are evicted
// oldest first once the byte budget is exceeded, so a dump is always valid
// JSONL from its first line.
type RingBuffer struct {
	mu      sync.Mutex
	budget  int
	used    int
	head    int
	records [][]byte
}

// NewRingBuffer creates a ring buffer holding at most budget bytes.
func NewRingBuffer(budget int) *RingBuffer {
	if budget <= 0 {
		budget = 4 * 1024 * 1024
	}
	return &RingBuffer{budget: budget}
}

// Write implements io.Writer. p is copied. A single record larger than the
// whole budget is cut down to its tail.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rec := p
	if len(rec) > rb.budget {
		rec = rec[len(rec)-rb.budget:]
	}
	rec = bytes.Clone(rec)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.records = append(rb.records, rec)
	rb.used += len(rec)
	for rb.used > rb.budget {
		rb.used -= len(rb.records[rb.head])
		rb.records[rb.head] = nil
		rb.head++
	}
	if rb.head >= compactAfter && rb.head*2 >= len(rb.records) {
		rb.records = append([][]byte(nil), rb.records[rb.head:]...)
		rb.head = 0
	}
	return len(p), nil
}

// Bytes returns the buffered records oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, 0, rb.used)
	for _, rec := range rb.records[rb.head:] {
		out = append(out, rec...)
	}
	return out
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.used
}

// Records returns the number of buffered records.
func (rb *RingBuffer) Records() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.records) - rb.head
}

// DumpToFile atomically writes the buffered records to path. Records can
// hold working directories and pane text, so the file is owner-only.
func (rb *RingBuffer) DumpToFile(path string) error {
	return renameio.WriteFile(path, rb.Bytes(), 0o600)
}

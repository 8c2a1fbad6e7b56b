// Package persistence provides the batched audit writer the bridge uses
// to keep the audit trail off the request path.
package persistence

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"execbridge/pkg/db"
)

// AuditWriter buffers audit entries and flushes them transactionally,
// either when the buffer fills or on a timer. Entries never block the
// caller; a failed flush is logged and the batch dropped rather than
// failing the execution path that produced it.
type AuditWriter struct {
	store *db.Database

	mu       sync.Mutex
	buffer   []db.AuditEntry
	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	written uint64
	batches uint64
	errors  uint64
}

// NewAuditWriter starts a writer flushing every interval or maxSize
// entries, whichever comes first.
func NewAuditWriter(store *db.Database, maxSize int, interval time.Duration) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &AuditWriter{
		store:    store,
		buffer:   make([]db.AuditEntry, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record buffers one audit entry. Missing ids are assigned here.
func (w *AuditWriter) Record(e db.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			log.Printf("audit: flush failed: %v", err)
		}
	}
}

// Flush writes every buffered entry in one transaction.
func (w *AuditWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]db.AuditEntry, 0, w.maxSize)
	w.mu.Unlock()

	tx, err := w.store.DB.BeginTx(context.Background(), nil)
	if err != nil {
		atomic.AddUint64(&w.errors, 1)
		return err
	}
	for _, e := range batch {
		if _, err := tx.Exec(db.InsertAuditSQL, e.ID, e.UserID, e.Action, e.ResourceID, e.Detail); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&w.errors, 1)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.errors, 1)
		return err
	}

	// Counted only after the transaction lands.
	atomic.AddUint64(&w.written, uint64(len(batch)))
	atomic.AddUint64(&w.batches, 1)
	return nil
}

// Pending returns the number of entries waiting for a flush.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Stats reports lifetime written/batch/error counts.
func (w *AuditWriter) Stats() (written, batches, errors uint64) {
	return atomic.LoadUint64(&w.written), atomic.LoadUint64(&w.batches), atomic.LoadUint64(&w.errors)
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				log.Printf("audit: background flush failed: %v", err)
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				log.Printf("audit: final flush failed: %v", err)
			}
			return
		}
	}
}

// Close flushes outstanding entries and stops the background loop.
func (w *AuditWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}

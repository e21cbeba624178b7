package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink is where the audit writer persists records. *DB implements it.
type Sink interface {
	LogRun(ctx context.Context, run *Run) error
	LogSubmission(ctx context.Context, sub *Submission) error
}

type auditEntry struct {
	run *Run
	sub *Submission
}

func (e auditEntry) id() string {
	if e.run != nil {
		return e.run.ID
	}
	return e.sub.ID
}

// AuditWriter buffers records and writes them on a background goroutine so a
// slow or unavailable database never blocks a benchmark or a submission.
type AuditWriter struct {
	sink    Sink
	ch      chan auditEntry
	wg      sync.WaitGroup
	done    chan struct{}
	backoff time.Duration
}

func NewAuditWriter(sink Sink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan auditEntry, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) LogRun(run *Run) {
	w.enqueue(auditEntry{run: run})
}

func (w *AuditWriter) LogSubmission(sub *Submission) {
	w.enqueue(auditEntry{sub: sub})
}

func (w *AuditWriter) enqueue(e auditEntry) {
	select {
	case w.ch <- e:
	default:
		log.Warn().Str("record_id", e.id()).Msg("audit buffer full, dropping log entry")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, e auditEntry) error {
	if e.run != nil {
		return w.sink.LogRun(ctx, e.run)
	}
	return w.sink.LogSubmission(ctx, e.sub)
}

func (w *AuditWriter) writeWithRetry(e auditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.write(ctx, e)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("record_id", e.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("record_id", e.id()).
				Msg("audit write failed permanently after retries")
		}
	}
}

// Package history implements a non-blocking, batched request history
// recorder.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine — so recording never blocks the request hot path.
// If the channel fills up (> 10 000 records), new records are dropped and
// counted in Dropped.
package history

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Record is one completed routing pass.
type Record struct {
	ID           uuid.UUID
	Alias        string // the model alias the client asked for
	Candidate    string // winning candidate key, empty when none won
	Outcome      string // ok | exhausted | deadline | error
	Attempts     uint8
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	Streamed     bool
	CreatedAt    time.Time
}

// Sink persists flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, records []Record) error
	Close() error
}

// Recorder buffers records and flushes them to its sink in batches.
type Recorder struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	onDrop  func()
}

// New starts a Recorder flushing into sink. onDrop is invoked once per
// dropped record and may be nil.
func New(ctx context.Context, sink Sink, onDrop func()) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("history: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("history: sink must not be nil")
	}

	r := &Recorder{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		onDrop:  onDrop,
	}

	r.wg.Add(1)
	go r.run()

	return r, nil
}

// Record enqueues one record. Never blocks; the record is dropped when the
// buffer is full.
func (r *Recorder) Record(rec Record) {
	select {
	case r.ch <- rec:
	default:
		atomic.AddInt64(&r.dropped, 1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the buffer, flushes the final batch, and closes the sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return r.sink.Close()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Sink errors are already logged by the sink; a failed flush must not
		// stop the recorder.
		_ = r.sink.WriteBatch(r.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

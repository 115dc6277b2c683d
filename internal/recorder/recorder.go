// Package recorder writes usage records to the external store on a bounded
// background queue. The write path is fire-and-forget relative to client
// responses: failures are logged and parked in a dead-letter buffer, never
// surfaced, never retried.
package recorder

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/llmgate/gemini-proxy/internal/billing"
)

const writeTimeout = 10 * time.Second

// UsageWriter is the slice of the limits collaborator the recorder needs.
type UsageWriter interface {
	RecordUsage(ctx context.Context, record *billing.UsageRecord) error
}

type Recorder struct {
	store UsageWriter
	queue chan *billing.UsageRecord
	dead  *deadLetterBuffer
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(store UsageWriter, queueSize, deadLetterSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Recorder{
		store: store,
		queue: make(chan *billing.UsageRecord, queueSize),
		dead:  newDeadLetterBuffer(deadLetterSize),
	}
}

// Start launches the background worker.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Enqueue hands off a record without blocking. A full or already-closed
// queue drops the record into the dead-letter buffer with a log line.
func (r *Recorder) Enqueue(record *billing.UsageRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		log.Printf("recorder: closed, dropping usage record for user %s", record.UserID)
		r.dead.push(record)
		return
	}

	select {
	case r.queue <- record:
	default:
		log.Printf("recorder: queue full, dropping usage record for user %s", record.UserID)
		r.dead.push(record)
	}
}

// Close drains the queue and stops the worker. Safe to call more than once;
// records enqueued afterwards land in the dead-letter buffer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// DeadLetters returns a copy of the records whose writes failed or were
// dropped, oldest first.
func (r *Recorder) DeadLetters() []*billing.UsageRecord {
	return r.dead.snapshot()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for record := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.store.RecordUsage(ctx, record)
		cancel()
		if err != nil {
			log.Printf("recorder: failed to record usage for user %s: %v", record.UserID, err)
			r.dead.push(record)
		}
	}
}

// deadLetterBuffer is a bounded ring; when full the oldest entry is evicted.
type deadLetterBuffer struct {
	mu      sync.Mutex
	records []*billing.UsageRecord
	size    int
}

func newDeadLetterBuffer(size int) *deadLetterBuffer {
	if size <= 0 {
		size = 64
	}
	return &deadLetterBuffer{size: size}
}

func (b *deadLetterBuffer) push(record *billing.UsageRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == b.size {
		b.records = b.records[1:]
	}
	b.records = append(b.records, record)
}

func (b *deadLetterBuffer) snapshot() []*billing.UsageRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*billing.UsageRecord, len(b.records))
	copy(out, b.records)
	return out
}

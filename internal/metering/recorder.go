package metering

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

type writeJob struct {
	usage *UsageEvent
	cost  *AICostEvent
}

// Recorder is the write-side of metering. Trace IDs are generated
// synchronously (cheap, in-memory); durable writes happen on a buffered
// queue drained by a background worker. A full queue or failed write is
// logged and dropped, never surfaced to the caller.
type Recorder struct {
	store Store
	queue chan writeJob
	done  chan struct{}
	once  sync.Once
}

func NewRecorder(store Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store: store,
		queue: make(chan writeJob, queueSize),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case job.usage != nil:
			err = r.store.InsertUsageEvent(ctx, job.usage)
		case job.cost != nil:
			err = r.store.InsertAICostEvent(ctx, job.cost)
		}
		cancel()
		if err != nil {
			log.Printf("metering: dropped event write: %v", err)
		}
	}
}

// LogUsageEvent assigns a trace ID (when the caller did not) and enqueues
// the durable write. Returns the trace ID immediately.
func (r *Recorder) LogUsageEvent(ev *UsageEvent) string {
	if ev.TraceID == "" {
		ev.TraceID = uuid.New().String()
	}
	r.enqueue(writeJob{usage: ev})
	return ev.TraceID
}

// LogAIModelCost enqueues one cost row for a single underlying model call.
// A multi-agent request produces several rows under one trace ID.
func (r *Recorder) LogAIModelCost(ev *AICostEvent) {
	if ev.TraceID == "" {
		ev.TraceID = uuid.New().String()
	}
	r.enqueue(writeJob{cost: ev})
}

func (r *Recorder) enqueue(job writeJob) {
	select {
	case r.queue <- job:
	default:
		log.Printf("metering: queue full, dropping event")
	}
}

// AggregateDaily is the synchronous read-side daily rollup.
func (r *Recorder) AggregateDaily(ctx context.Context, userID string, day time.Time) (*DailySummary, error) {
	return r.store.AggregateDaily(ctx, userID, day)
}

// StripeSummary produces billing-ready line items for a custom period.
// Runs out of the request path (billing-cycle job).
func (r *Recorder) StripeSummary(ctx context.Context, userID string, start, end time.Time) (*StripeSummary, error) {
	return r.store.StripeSummary(ctx, userID, start, end)
}

// Close stops accepting events and waits for the queue to drain.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
	})
	<-r.done
}

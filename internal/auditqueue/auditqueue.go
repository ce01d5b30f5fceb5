// Package auditqueue provides a Redis-backed audit.Sink that enqueues
// tunnel lifecycle events onto Asynq instead of writing them synchronously.
// A small worker pool drains the queue and forwards each task to a delegate
// sink (typically audit.LogSink) — decoupling the control-plane hot path
// from however slow the eventual audit destination turns out to be.
package auditqueue

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/nattun/relay/internal/audit"
)

// TaskRecordEntry is the Asynq task type for a single audit.Entry.
const TaskRecordEntry = "audit:record_entry"

// Sink enqueues audit entries onto Redis via Asynq rather than handling
// them inline. It implements audit.Sink.
type Sink struct {
	client *asynq.Client
	queue  string
	// fallback receives an entry synchronously if enqueueing fails, so a
	// Redis outage degrades audit recording to direct logging instead of
	// silently dropping entries.
	fallback audit.Sink
}

// NewSink returns a Sink that enqueues onto addr (host:port form). fallback
// is used when the enqueue call itself fails; pass audit.LogSink{} if the
// caller has no better option.
func NewSink(addr string, fallback audit.Sink) *Sink {
	return &Sink{
		client:   asynq.NewClient(asynq.RedisClientOpt{Addr: addr}),
		queue:    "default",
		fallback: fallback,
	}
}

// Record implements audit.Sink by enqueuing e for asynchronous processing.
func (s *Sink) Record(e audit.Entry) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("auditqueue: marshal entry: %v", err)
		s.fallback.Record(e)
		return
	}

	task := asynq.NewTask(TaskRecordEntry, payload)
	if _, err := s.client.Enqueue(task, asynq.Queue(s.queue)); err != nil {
		log.Printf("auditqueue: enqueue failed, falling back to direct record: %v", err)
		s.fallback.Record(e)
	}
}

// Close releases the underlying Asynq client connection.
func (s *Sink) Close() error {
	return s.client.Close()
}

// Worker drains TaskRecordEntry tasks from Redis and forwards each decoded
// entry to a delegate sink. Run it in the process that owns the audit
// destination — typically the same relay server, started alongside
// ListenAndServe.
type Worker struct {
	server   *asynq.Server
	delegate audit.Sink
}

// NewWorker returns a Worker that will process tasks enqueued by a Sink
// pointed at the same Redis address, forwarding entries to delegate.
func NewWorker(addr string, delegate audit.Sink) *Worker {
	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: addr}, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"default": 1,
		},
	})
	return &Worker{server: srv, delegate: delegate}
}

// Start begins processing tasks in a background goroutine. Call Shutdown
// to stop.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRecordEntry, w.handleRecordEntry)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("auditqueue: worker error: %v", err)
		}
	}()
}

// Shutdown stops the worker, waiting for in-flight tasks to finish.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleRecordEntry(_ context.Context, t *asynq.Task) error {
	var e audit.Entry
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		log.Printf("auditqueue: unmarshal entry: %v", err)
		return err
	}
	w.delegate.Record(e)
	return nil
}

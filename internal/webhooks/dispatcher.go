package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher delivers claim lifecycle events to subscribers asynchronously.
// Delivery is at-most-once from the pipeline's point of view: a full queue
// drops rather than blocks claim processing.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher starts the worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues the event for every matching subscriber. Never blocks.
func (d *Dispatcher) Emit(event string, data map[string]interface{}) {
	eventType := EventType(event)
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	evt := &Event{
		ID:        "evt-" + uuid.NewString(),
		Type:      eventType,
		Source:    "/claim",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: evt, attempt: 1}:
		default:
			d.logger.Printf("⚠️ queue full, dropping event %s for %s", evt.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("❌ failed to marshal event: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ failed to build delivery request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ClaimsBridge-Event-Type", string(job.event.Type))
	req.Header.Set("X-ClaimsBridge-Event-ID", job.event.ID)
	req.Header.Set("X-ClaimsBridge-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-ClaimsBridge-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ delivery failed: %s → %v", job.subscriber.URL, err)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️ subscriber returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.retry(job)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
	d.logger.Printf("✅ delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
}

// retry requeues with quadratic backoff, up to 3 attempts.
func (d *Dispatcher) retry(job *deliveryJob) {
	d.registry.MarkFailed(job.subscriber.ID)
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher delivers events on background workers so publishers never wait
// on remote endpoints.
type Dispatcher struct {
	manager *Manager
	logger  zerolog.Logger
	queue   chan Event
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher starts workers goroutines reading from a queue of the given
// size. Each event gets timeout to finish all its deliveries.
func NewDispatcher(m *Manager, logger zerolog.Logger, workers, size int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		manager: m,
		logger:  logger.With().Str("component", "webhook").Logger(),
		queue:   make(chan Event, size),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Enqueue queues event for delivery. It returns false when the queue is full
// or the dispatcher is closed.
func (d *Dispatcher) Enqueue(event Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case d.queue <- event:
		return true
	default:
		d.logger.Warn().Str("event_id", event.ID).Str("event_type", event.Type).Msg("webhook queue full; event dropped")
		return false
	}
}

// Close stops accepting events, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. Deliveries still running when ctx ends
// are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() { close(d.queue) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	deliveries, err := d.manager.Deliver(ctx, event)
	if err != nil {
		d.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Int("endpoints", len(deliveries)).
			Msg("webhook delivery failed")
		return
	}
	if len(deliveries) > 0 {
		d.logger.Debug().
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Int("endpoints", len(deliveries)).
			Msg("webhook delivered")
	}
}

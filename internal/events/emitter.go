// Package events carries the pool's log/warn/error stream to its consumers.
// The Emitter buffers events in a bounded ring and hands them in batches to
// handlers (log renderer, metrics, optional HTTP webhook) on a background
// loop, so emitting never blocks the request path.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tokenpool/tokenpool/internal/config"
	"github.com/tokenpool/tokenpool/internal/observability"
)

// Handler consumes a batch of events. Handlers run sequentially on the
// flush goroutine.
type Handler func(batch []Event)

// Emitter is an async, buffered Sink.
type Emitter struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	handlers []Handler

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Event
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter starts an emitter delivering to handlers.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics, handlers ...Handler) *Emitter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	flushInterval := config.MustParseDuration(cfg.FlushInterval, time.Second)
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		handlers:      handlers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Event, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. When the buffer is full the oldest event is dropped.
func (e *Emitter) Emit(ev Event) {
	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and delivers whatever is still buffered.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		for _, h := range e.handlers {
			h(batch)
		}
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]Event, n)
	for i := range n {
		idx := (e.ringHead + i) % e.bufferSize
		batch[i] = e.ring[idx]
		e.ring[idx] = Event{}
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(handlers=%d, batch=%d, flush=%s, buf=%d)",
		len(e.handlers), e.batchSize, e.flushInterval, e.bufferSize)
}

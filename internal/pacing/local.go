package pacing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// LocalGate paces a credential inside one process. The weighted semaphore
// queues waiters in FIFO order.
type LocalGate struct {
	interval time.Duration
	sem      *semaphore.Weighted

	mu       sync.Mutex
	lastDone time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLocalGate returns a gate enforcing interval between holders.
func NewLocalGate(interval time.Duration) *LocalGate {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalGate{
		interval: interval,
		sem:      semaphore.NewWeighted(1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NewLocalFactory returns a Factory producing independent LocalGates.
func NewLocalFactory(interval time.Duration) Factory {
	return func(string) Gate { return NewLocalGate(interval) }
}

// Acquire blocks until the caller holds the gate and the rest period since
// the previous release has elapsed.
func (g *LocalGate) Acquire(ctx context.Context) (func(), error) {
	if g.ctx.Err() != nil {
		return nil, ErrGateClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, g.abortErr(err)
	}

	g.mu.Lock()
	wait := time.Until(g.lastDone.Add(g.interval))
	g.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			g.sem.Release(1)
			return nil, g.abortErr(ctx.Err())
		}
	}

	return sync.OnceFunc(g.release), nil
}

func (g *LocalGate) release() {
	g.mu.Lock()
	g.lastDone = time.Now()
	g.mu.Unlock()
	g.sem.Release(1)
}

func (g *LocalGate) abortErr(err error) error {
	if g.ctx.Err() != nil {
		return ErrGateClosed
	}
	return err
}

// done is closed when the gate is closed.
func (g *LocalGate) done() <-chan struct{} {
	return g.ctx.Done()
}

// Close wakes every waiter with ErrGateClosed. It is safe to call more than once.
func (g *LocalGate) Close() error {
	g.cancel()
	return nil
}

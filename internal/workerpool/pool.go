// Package workerpool runs N long-lived goroutines draining a single
// queue.Queue through a typed Processor, each goroutine owning a private
// per-worker resource (e.g. a database connection) that is never shared.
package workerpool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nodecore/socialnode/internal/queue"
)

// Processor handles one item pulled off the queue, using the resource that
// was constructed for this worker goroutine.
type Processor[T any, R any] interface {
	Process(item T, resource R)
}

// ResourceFactory constructs the private resource owned by one worker
// goroutine. It is called once per goroutine, inside that goroutine, so
// the resource is never shared across goroutines (e.g. opening one SQL
// connection per worker).
type ResourceFactory[R any] func() (R, func(), error)

// Pool is a fixed-size set of worker goroutines draining one queue.
type Pool[T any, R any] struct {
	name      string
	queue     *queue.Queue[T]
	processor Processor[T, R]
	resources ResourceFactory[R]
	log       *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a pool. Call Start to spawn workers.
func New[T any, R any](name string, q *queue.Queue[T], processor Processor[T, R], resources ResourceFactory[R], log *slog.Logger) *Pool[T, R] {
	if log == nil {
		log = slog.Default()
	}
	return &Pool[T, R]{name: name, queue: q, processor: processor, resources: resources, log: log}
}

// Start spawns n worker goroutines. Idempotent: a second call while already
// running is a no-op.
func (p *Pool[T, R]) Start(n int) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
}

func (p *Pool[T, R]) loop(index int) {
	defer p.wg.Done()

	resource, release, err := p.resources()
	if err != nil {
		p.log.Error("worker resource init failed", "pool", p.name, "worker", index, "error", err)
		return
	}
	if release != nil {
		defer release()
	}

	running := func() bool { return p.running.Load() }

	for running() {
		item, ok := p.queue.GetNext(running, running)
		if !ok {
			// Either shutdown was requested, or we woke to an empty
			// queue (a sibling drained it, or this was a pure
			// interrupt). Either way, re-check the running flag and
			// loop; the for-condition above exits cleanly on shutdown.
			continue
		}
		p.process(item, resource)
	}
}

func (p *Pool[T, R]) process(item T, resource R) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker processor panicked", "pool", p.name, "panic", r)
		}
	}()
	p.processor.Process(item, resource)
}

// Stop flips the running flag, interrupts the queue, and joins every
// worker goroutine. In-flight items run to completion before their
// goroutine exits.
func (p *Pool[T, R]) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.queue.Interrupt()
	p.wg.Wait()
}

// Running reports whether the pool has been started and not yet stopped.
func (p *Pool[T, R]) Running() bool {
	return p.running.Load()
}

package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nodecore/socialnode/internal/queue"
	"github.com/nodecore/socialnode/internal/workerpool"
)

// pathEntry binds a URI prefix (or exact path) to a Handler. Entries are
// matched in registration order; the first match wins, so more specific
// routes must be registered before their catch-all prefixes.
type pathEntry struct {
	path    string
	exact   bool
	handler Handler
}

// workItem is what a Pod hands to its worker pool.
type workItem struct {
	ctx      context.Context
	pathTail string
	req      *Request
	reply    ReplyGateway
	handler  Handler
}

// Pod is a named, independently-tunable request-handling unit: its own
// bounded queue, its own fixed-size worker pool, and its own ordered route
// table. One pod serves one coherent family of endpoints (e.g. the JSON-RPC
// command table, or the REST surface) so a slow handler in one family
// cannot starve another's queue.
type Pod struct {
	name     string
	entries  []pathEntry
	queue    *queue.Queue[workItem]
	pool     *workerpool.Pool[workItem, any]
	maxDepth int
	log      *slog.Logger
}

// NewPod creates a pod with a bounded queue of depth maxDepth (0 =
// unbounded) and a resource factory used once per worker goroutine.
func NewPod(name string, maxDepth int, resources workerpool.ResourceFactory[any], log *slog.Logger) *Pod {
	if log == nil {
		log = slog.Default()
	}
	q := queue.NewLimited[workItem](maxDepth)
	p := &Pod{name: name, queue: q, maxDepth: maxDepth, log: log}
	p.pool = workerpool.New[workItem, any](name, q, p, resources, log)
	return p
}

// Handle registers a prefix route: any URI beginning with path dispatches
// to handler, with pathTail set to the remainder after path.
func (p *Pod) Handle(path string, handler Handler) {
	p.entries = append(p.entries, pathEntry{path: path, handler: handler})
}

// HandleExact registers a route that only matches path exactly.
func (p *Pod) HandleExact(path string, handler Handler) {
	p.entries = append(p.entries, pathEntry{path: path, exact: true, handler: handler})
}

// match returns the handler for uri and the tail remaining after the
// matched prefix, scanning entries in registration order.
func (p *Pod) match(uri string) (Handler, string, bool) {
	for _, e := range p.entries {
		if e.exact {
			if uri == e.path {
				return e.handler, "", true
			}
			continue
		}
		if strings.HasPrefix(uri, e.path) {
			return e.handler, strings.TrimPrefix(uri, e.path), true
		}
	}
	return nil, "", false
}

// Enqueue matches uri against the pod's route table and, on a match, adds
// a work item to the pod's queue. Returns false if uri matched nothing in
// this pod, or if the queue was full (caller should reply 503).
func (p *Pod) Enqueue(ctx context.Context, uri string, req *Request, reply ReplyGateway) (matched bool, queued bool) {
	handler, tail, ok := p.match(uri)
	if !ok {
		return false, false
	}
	item := workItem{ctx: ctx, pathTail: tail, req: req, reply: reply, handler: handler}
	return true, p.queue.Add(item)
}

// Process implements workerpool.Processor. It recovers a panicking
// handler itself rather than leaving it to the worker pool's outer
// recover: that recover only logs, and by the time it runs item.reply is
// out of scope, so the request would never get a reply and the
// reactor's per-connection goroutine (blocked on <-reply.wait()) would
// leak forever. Recovering here keeps §7's "handler panicked -> log,
// reply 500" invariant true for every accepted request.
func (p *Pod) Process(item workItem, resource any) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked", "pod", p.name, "uri", item.pathTail, "panic", r)
			item.reply.WriteReply(http.StatusInternalServerError, []byte("internal error"))
		}
	}()
	item.handler.Exec(item.ctx, item.pathTail, item.req, item.reply, resource)
}

// Start spawns threadCount worker goroutines for this pod. Idempotent.
func (p *Pod) Start(threadCount int) {
	p.pool.Start(threadCount)
}

// Interrupt wakes every worker goroutine blocked on an empty queue without
// changing the running flag, so in-flight and already-queued work is
// unaffected. The serve command calls it as the first step of shutdown.
func (p *Pod) Interrupt() {
	p.queue.Interrupt()
}

// Stop flips the pool's running flag and joins all worker goroutines after
// in-flight items finish; items still queued are not processed. It does
// not stop Enqueue from adding items, so callers stop dispatching to the
// pod first (see Router.StopAll).
func (p *Pod) Stop() {
	p.pool.Stop()
}

// Running reports whether the pod's worker pool is active.
func (p *Pod) Running() bool {
	return p.pool.Running()
}

// Name returns the pod's identifier, used in logs and metrics.
func (p *Pod) Name() string {
	return p.name
}

// QueueDepth reports the current backlog, used for health/debug endpoints.
func (p *Pod) QueueDepth() int {
	return p.queue.Size()
}

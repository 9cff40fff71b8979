package dispatch

import (
	"context"
	"log/slog"
)

// Router holds an ordered list of pods and dispatches each incoming
// request to the first pod whose route table matches. Order matters: a
// narrow pod (e.g. a fixed set of admin routes) must be registered before
// a broad catch-all pod that would otherwise shadow it.
type Router struct {
	pods []*Pod
	log  *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log}
}

// Register appends a pod to the router's dispatch order.
func (r *Router) Register(pod *Pod) {
	r.pods = append(r.pods, pod)
}

// DispatchResult reports what happened to a dispatched request so the
// reactor can decide which status code, if any, to write immediately.
type DispatchResult int

const (
	// DispatchQueued means a pod accepted the request; a reply will arrive
	// asynchronously through the ReplyGateway.
	DispatchQueued DispatchResult = iota
	// DispatchNoRoute means no pod's route table matched the URI.
	DispatchNoRoute
	// DispatchOverloaded means a pod matched but its queue was full.
	DispatchOverloaded
)

// Dispatch routes req to the first matching pod's queue.
func (r *Router) Dispatch(ctx context.Context, uri string, req *Request, reply ReplyGateway) DispatchResult {
	for _, pod := range r.pods {
		matched, queued := pod.Enqueue(ctx, uri, req, reply)
		if !matched {
			continue
		}
		if !queued {
			r.log.Warn("pod queue full", "pod", pod.Name(), "uri", uri)
			return DispatchOverloaded
		}
		return DispatchQueued
	}
	return DispatchNoRoute
}

// StartAll starts every registered pod's worker pool with its own thread
// count, looked up by name in threadCounts (falling back to 1 if absent).
func (r *Router) StartAll(threadCounts map[string]int) {
	for _, pod := range r.pods {
		n := threadCounts[pod.Name()]
		if n <= 0 {
			n = 1
		}
		pod.Start(n)
	}
}

// StopAll stops every pod's worker pool, joining all worker goroutines.
// Call only after the reactor has stopped accepting new connections, so
// no further Dispatch calls race with Stop.
func (r *Router) StopAll() {
	for _, pod := range r.pods {
		pod.Stop()
	}
}

// Pods exposes the registered pods in dispatch order, for health/debug
// reporting.
func (r *Router) Pods() []*Pod {
	return r.pods
}

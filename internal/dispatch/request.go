// Package dispatch implements the request-dispatch core: requests are
// classified by URL prefix into pods, each pod enqueues a work item onto
// its own bounded queue, and pod workers execute the matched handler.
package dispatch

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Method is the HTTP verb of a Request. Unrecognized verbs classify as
// MethodUnknown so the reactor can reject them with 405 before a pod ever
// sees them.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodHead
	MethodPut
	MethodOptions
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	case MethodPut:
		return "PUT"
	case MethodOptions:
		return "OPTIONS"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// MethodFromString classifies a raw HTTP method string.
func MethodFromString(s string) Method {
	switch s {
	case http.MethodGet:
		return MethodGet
	case http.MethodPost:
		return MethodPost
	case http.MethodHead:
		return MethodHead
	case http.MethodPut:
		return MethodPut
	case http.MethodOptions:
		return MethodOptions
	case http.MethodDelete:
		return MethodDelete
	default:
		return MethodUnknown
	}
}

// UnhandledResponder is invoked by a Request's finalizer when the request
// was garbage-collected without ever being replied to. It stands in for
// the original's request-destructor fallback ("emit 500 Unhandled
// request"); the reactor supplies the real implementation so it can route
// the emergency reply back onto its own goroutine.
type UnhandledResponder func(*Request)

// Request is immutable after construction except for its one-shot
// reply-sent flag and the single consume of Body.
type Request struct {
	Method  Method
	URI     string
	Headers http.Header
	Peer    string
	Created time.Time

	body     []byte
	consumed atomic.Bool
	replied  atomic.Bool
}

// NewRequest constructs a Request and arms its finalizer fallback: if the
// request is garbage-collected without a reply ever having been sent,
// responder fires once with a 500. This mirrors the original C++
// destructor's "emit Internal Server Error to prevent request leaks"
// behavior using Go's nearest equivalent, a GC finalizer.
func NewRequest(method Method, uri string, headers http.Header, body []byte, peer string, responder UnhandledResponder) *Request {
	r := &Request{
		Method:  method,
		URI:     uri,
		Headers: headers,
		Peer:    peer,
		Created: time.Now(),
		body:    body,
	}
	if responder != nil {
		runtime.SetFinalizer(r, func(req *Request) {
			if req.replied.CompareAndSwap(false, true) {
				responder(req)
			}
		})
	}
	return r
}

// ReadBody returns the request body exactly once; subsequent calls return
// nil, matching the original's "re-reading yields empty" semantics.
func (r *Request) ReadBody() []byte {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil
	}
	return r.body
}

// MarkReplied records that a reply was sent for this request, disarming
// the finalizer fallback. Returns false if a reply was already marked,
// which the caller should treat as "reply attempted twice."
func (r *Request) MarkReplied() bool {
	return r.replied.CompareAndSwap(false, true)
}

// String is for logging only.
func (r *Request) String() string {
	return fmt.Sprintf("%s %s from %s", r.Method, r.URI, r.Peer)
}

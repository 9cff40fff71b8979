package reactor

import (
	"net/http"
	"sync"
	"weak"

	"github.com/nodecore/socialnode/internal/dispatch"
)

// gatewayReply is the concrete dispatch.ReplyGateway handed to every
// worker. It holds only a weak reference to the request it answers for —
// "a reply gateway is not a reason to keep a request alive" mirrors the
// core's weak back-reference design for subscriber→connection. WriteReply
// builds a closure that runs on the reactor goroutine and sends it over
// the trigger channel; the worker relinquishes ownership of the request
// the instant the closure is handed off.
type gatewayReply struct {
	reqRef  weak.Pointer[dispatch.Request]
	w       http.ResponseWriter
	trigger chan<- func()
	done    chan struct{}
	once    sync.Once

	headerMu sync.Mutex
	headers  map[string]string

	closeConn bool

	authUser string
	authPass string
	authOK   bool
}

func newGatewayReply(req *dispatch.Request, w http.ResponseWriter, trigger chan<- func(), closeConn bool, authUser, authPass string, authOK bool) *gatewayReply {
	return &gatewayReply{
		reqRef:    weak.Make(req),
		w:         w,
		trigger:   trigger,
		done:      make(chan struct{}),
		headers:   make(map[string]string),
		closeConn: closeConn,
		authUser:  authUser,
		authPass:  authPass,
		authOK:    authOK,
	}
}

// WriteHeader implements dispatch.ReplyGateway.
func (g *gatewayReply) WriteHeader(key, value string) {
	g.headerMu.Lock()
	defer g.headerMu.Unlock()
	g.headers[key] = value
}

// WriteReply implements dispatch.ReplyGateway. Legal exactly once; later
// calls are silently ignored, matching §4.6.
func (g *gatewayReply) WriteReply(status int, body []byte) {
	g.once.Do(func() {
		if g.closeConn {
			g.headerMu.Lock()
			g.headers["Connection"] = "close"
			g.headerMu.Unlock()
		}

		closure := func() {
			defer close(g.done)

			req := g.reqRef.Value()
			if req == nil {
				// The request was already collected (finalizer already
				// fired an emergency 500), nothing left to write to.
				return
			}
			if !req.MarkReplied() {
				return
			}

			g.headerMu.Lock()
			for k, v := range g.headers {
				g.w.Header().Set(k, v)
			}
			g.headerMu.Unlock()

			g.w.WriteHeader(status)
			if len(body) > 0 {
				g.w.Write(body)
			}
		}

		// Blocks while the trigger channel is full rather than running
		// the closure here, so the socket write always happens on the
		// reactor goroutine and the reply is never dropped.
		g.trigger <- closure
	})
}

// ReadAuthCredentials implements dispatch.ReplyGateway. It is populated at
// construction by the reactor, which already parsed the Authorization
// header during classification; gatewayReply itself never touches the
// request object from outside the reactor goroutine, so the credentials
// are captured as plain strings rather than read lazily here.
func (g *gatewayReply) ReadAuthCredentials() (user, pass string, ok bool) {
	return g.authUser, g.authPass, g.authOK
}

// wait blocks until the reply closure has run (or the reply was never
// attempted and the caller gave up waiting, e.g. on shutdown timeout).
func (g *gatewayReply) wait() <-chan struct{} {
	return g.done
}

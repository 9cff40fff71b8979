// Package reactor implements the socket layer: it accepts connections
// across the node's logical sockets, classifies each request (ACL, method,
// CORS), and hands matched requests to a dispatch.Router. All writes back
// to a socket are marshalled onto a single dedicated goroutine via a
// trigger channel, so worker goroutines processing pod work items never
// touch a socket directly. Parsing and classification run on net/http's
// per-connection goroutines; only the reply write is marshalled onto the
// reactor goroutine.
package reactor

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodecore/socialnode/internal/dispatch"
)

// ErrAlreadyStarted is returned by Start on a second call.
var ErrAlreadyStarted = errors.New("reactor already started")

const maxHeaderBytes = 8 << 10 // 8 KiB, per §6
const maxBodyBytes = 32 << 20  // 32 MiB ceiling on a single request body

// Socket describes one logical listener: a bind address, optional TLS, and
// whether the ACL is bypassed (public sockets) or enforced (private RPC).
//
// RawPaths bypasses the pod/dispatch classification for exact paths that
// need direct access to the underlying http.ResponseWriter — a WebSocket
// or WebRTC signaling upgrade, for instance, which the dispatch.Request/
// ReplyGateway abstraction deliberately does not expose a hijacker for.
// The ACL and shutdown checks still apply; CORS headers, body-read limits,
// and pod dispatch do not.
type Socket struct {
	Name         string
	Addr         string
	TLSConfig    *tls.Config
	PublicAccess bool
	RawPaths     map[string]http.Handler
}

// Reactor owns every bound socket and the single goroutine that performs
// all reply writes.
type Reactor struct {
	router *dispatch.Router
	acl    *ACL
	log    *slog.Logger
	timeout time.Duration

	trigger     chan func()
	triggerDone chan struct{}

	mu      sync.Mutex
	servers []*http.Server

	started      atomic.Bool
	shuttingDown atomic.Bool
}

// New creates a Reactor dispatching matched requests through router, with
// acl guarding any socket not marked PublicAccess.
func New(router *dispatch.Router, acl *ACL, httpTimeout time.Duration, log *slog.Logger) *Reactor {
	if log == nil {
		log = slog.Default()
	}
	if acl == nil {
		acl = NewACL(nil)
	}
	return &Reactor{
		router:      router,
		acl:         acl,
		log:         log,
		timeout:     httpTimeout,
		trigger:     make(chan func(), 256),
		triggerDone: make(chan struct{}),
	}
}

// AddSocket binds addr and starts serving HTTP against it. Call before
// Start. The *http.Server it creates is not returned; the reactor tracks
// it for shutdown.
func (r *Reactor) AddSocket(socket Socket) error {
	listener, err := net.Listen("tcp", socket.Addr)
	if err != nil {
		return fmt.Errorf("listen %s (%s): %w", socket.Name, socket.Addr, err)
	}
	if socket.TLSConfig != nil {
		listener = tls.NewListener(listener, socket.TLSConfig)
	}

	srv := &http.Server{
		Handler:           r.handler(socket),
		ReadHeaderTimeout: r.timeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	r.mu.Lock()
	r.servers = append(r.servers, srv)
	r.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("socket serve error", "socket", socket.Name, "error", err)
		}
	}()

	r.log.Info("socket listening", "socket", socket.Name, "addr", socket.Addr, "public", socket.PublicAccess, "tls", socket.TLSConfig != nil)
	return nil
}

// Start spawns the single reactor goroutine that drains the trigger
// channel. Call once, after registering sockets with AddSocket.
func (r *Reactor) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go r.runTrigger()
	return nil
}

func (r *Reactor) runTrigger() {
	defer close(r.triggerDone)
	for fn := range r.trigger {
		fn()
	}
}

// Shutdown implements the shutdown path from §4.5: flip to "reject with
// 503" first (Interrupt), then close every listener (Stop), then drain the
// trigger channel so any reply closures already in flight still run.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.shuttingDown.Store(true)

	r.mu.Lock()
	servers := append([]*http.Server(nil), r.servers...)
	r.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	close(r.trigger)
	select {
	case <-r.triggerDone:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	return firstErr
}

func (r *Reactor) handler(socket Socket) http.HandlerFunc {
	return func(w http.ResponseWriter, hr *http.Request) {
		if r.shuttingDown.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		ip := clientIP(hr)
		if !r.acl.Allowed(ip, socket.PublicAccess) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if raw, ok := socket.RawPaths[hr.URL.Path]; ok {
			raw.ServeHTTP(w, hr)
			return
		}

		method := dispatch.MethodFromString(hr.Method)
		if method == dispatch.MethodUnknown {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST,GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if method == dispatch.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(io.LimitReader(hr.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		user, pass, authOK := parseBasicAuth(hr)

		req := dispatch.NewRequest(method, hr.URL.Path, hr.Header.Clone(), body, ip.String(), r.unhandledResponder(w))
		reply := newGatewayReply(req, w, r.trigger, r.shuttingDown.Load(), user, pass, authOK)

		switch r.router.Dispatch(hr.Context(), hr.URL.Path, req, reply) {
		case dispatch.DispatchNoRoute:
			reply.WriteReply(http.StatusNotFound, []byte("not found"))
		case dispatch.DispatchOverloaded:
			reply.WriteReply(http.StatusServiceUnavailable, []byte("service unavailable"))
		case dispatch.DispatchQueued:
			// reply will be written asynchronously by the matched pod
		}

		<-reply.wait()
	}
}

// unhandledResponder builds the finalizer fallback for a request: if it
// is garbage-collected without a reply, emit 500 on the reactor goroutine.
func (r *Reactor) unhandledResponder(w http.ResponseWriter) dispatch.UnhandledResponder {
	return func(req *dispatch.Request) {
		select {
		case r.trigger <- func() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Unhandled request"))
		}:
		default:
			r.log.Warn("trigger channel saturated during finalizer fallback", "request", req.String())
		}
	}
}

func clientIP(hr *http.Request) net.IP {
	host, _, err := net.SplitHostPort(hr.RemoteAddr)
	if err != nil {
		host = hr.RemoteAddr
	}
	return net.ParseIP(host)
}

func parseBasicAuth(hr *http.Request) (user, pass string, ok bool) {
	header := hr.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

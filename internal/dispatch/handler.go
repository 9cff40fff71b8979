package dispatch

import "context"

// ReplyGateway is the worker's sole channel back to the client. It is
// owned by the reactor: every call is marshaled onto the reactor
// goroutine so the socket is never touched from a worker goroutine. At
// most one of WriteHeader/WriteReply combination takes effect; a second
// WriteReply call is a no-op.
type ReplyGateway interface {
	// WriteHeader sets a response header. Must be called before WriteReply.
	WriteHeader(key, value string)

	// WriteReply sends status and body and closes out the request. Safe to
	// call from any goroutine; idempotent after the first call.
	WriteReply(status int, body []byte)

	// ReadAuthCredentials returns the decoded user and password from an
	// incoming Basic/rpcauth Authorization header, if present.
	ReadAuthCredentials() (user, pass string, ok bool)
}

// Handler executes one matched request. resource is the opaque per-worker
// collaborator constructed by the owning pod's resource factory (in
// practice a database connection handle); handlers that need it type-
// assert to the concrete type they expect.
type Handler interface {
	Exec(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any)

func (f HandlerFunc) Exec(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any) {
	f(ctx, pathTail, req, reply, resource)
}

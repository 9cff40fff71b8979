package reactor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nodecore/socialnode/internal/dispatch"
)

func noResource() (any, func(), error) {
	return nil, nil, nil
}

func TestHandlerRejectsNonLoopbackOnPrivateSocketWith403(t *testing.T) {
	rx := New(dispatch.NewRouter(nil), NewACL(nil), time.Second, nil)
	socket := Socket{Name: "private", PublicAccess: false}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "8.8.8.8:12345"
	rec := httptest.NewRecorder()

	rx.handler(socket)(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestHandlerAllowsLoopbackOnPrivateSocket(t *testing.T) {
	rx := New(dispatch.NewRouter(nil), NewACL(nil), time.Second, nil)
	if err := rx.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rx.Shutdown(context.Background())

	socket := Socket{Name: "private", PublicAccess: false}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()

	rx.handler(socket)(rec, req)

	// No pod is registered, so the ACL must have let it through to
	// dispatch, which reports no route.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (ACL should have allowed loopback)", rec.Code, http.StatusNotFound)
	}
}

func TestHandlerOptionsRequestReturns204WithCORSHeaders(t *testing.T) {
	rx := New(dispatch.NewRouter(nil), NewACL(nil), time.Second, nil)
	socket := Socket{Name: "public", PublicAccess: true}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.RemoteAddr = "203.0.113.1:1"
	rec := httptest.NewRecorder()

	rx.handler(socket)(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header on OPTIONS reply")
	}
}

func TestHandlerQueueFullReturns503(t *testing.T) {
	release := make(chan struct{})

	pod := dispatch.NewPod("blocked", 1, noResource, nil)
	pod.Handle("/", dispatch.HandlerFunc(func(_ context.Context, _ string, _ *dispatch.Request, reply dispatch.ReplyGateway, _ any) {
		<-release
		reply.WriteReply(200, nil)
	}))
	pod.Start(1)
	defer pod.Stop()

	router := dispatch.NewRouter(nil)
	router.Register(pod)

	rx := New(router, NewACL(nil), time.Second, nil)
	if err := rx.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rx.Shutdown(context.Background())

	socket := Socket{Name: "public", PublicAccess: true}
	newReq := func() (*httptest.ResponseRecorder, *http.Request) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.1:1"
		return httptest.NewRecorder(), req
	}

	// First request is picked up by the lone worker immediately and
	// blocks on release. Second fills the one-deep queue. Third must be
	// rejected with 503 since the pod is at capacity.
	done := make(chan struct{})
	go func() {
		rec, req := newReq()
		rx.handler(socket)(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let the first request reach the worker

	secondDone := make(chan struct{})
	go func() {
		rec, req := newReq()
		rx.handler(socket)(rec, req)
		close(secondDone)
	}()
	time.Sleep(20 * time.Millisecond) // let the second request sit in the queue

	rec, req := newReq()
	rx.handler(socket)(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("third request status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	close(release)
	<-done
	<-secondDone
}

func TestHandlerPanickingHandlerStillReplies500(t *testing.T) {
	pod := dispatch.NewPod("panicky", 0, noResource, nil)
	pod.Handle("/", dispatch.HandlerFunc(func(context.Context, string, *dispatch.Request, dispatch.ReplyGateway, any) {
		panic("boom")
	}))
	pod.Start(1)
	defer pod.Stop()

	router := dispatch.NewRouter(nil)
	router.Register(pod)

	rx := New(router, NewACL(nil), time.Second, nil)
	if err := rx.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rx.Shutdown(context.Background())

	socket := Socket{Name: "public", PublicAccess: true}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.1:1"
	rec := httptest.NewRecorder()

	rx.handler(socket)(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d for a panicking handler", rec.Code, http.StatusInternalServerError)
	}
}

func TestUnhandledResponderWritesEmergency500(t *testing.T) {
	rx := New(dispatch.NewRouter(nil), NewACL(nil), time.Second, nil)
	if err := rx.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rx.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	responder := rx.unhandledResponder(rec)
	req := dispatch.NewRequest(dispatch.MethodGet, "/", nil, nil, "127.0.0.1", nil)

	responder(req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && rec.Code != http.StatusInternalServerError {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d from the finalizer fallback", rec.Code, http.StatusInternalServerError)
	}
}

func TestGatewayReplySecondWriteIsNoOp(t *testing.T) {
	req := dispatch.NewRequest(dispatch.MethodGet, "/", nil, nil, "127.0.0.1", nil)

	trigger := make(chan func(), 4)
	drainDone := make(chan struct{})
	go func() {
		for fn := range trigger {
			fn()
		}
		close(drainDone)
	}()

	rec := httptest.NewRecorder()
	reply := newGatewayReply(req, rec, trigger, false, "", "", false)

	reply.WriteReply(200, []byte("first"))
	<-reply.wait()
	reply.WriteReply(500, []byte("second"))

	close(trigger)
	<-drainDone

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200 (second WriteReply must be a no-op)", rec.Code)
	}
	if rec.Body.String() != "first" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "first")
	}
}

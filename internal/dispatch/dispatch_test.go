package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReply struct {
	mu      sync.Mutex
	status  int
	body    []byte
	headers map[string]string
	written atomic.Bool
}

func newFakeReply() *fakeReply {
	return &fakeReply{headers: map[string]string{}}
}

func (f *fakeReply) WriteHeader(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[key] = value
}

func (f *fakeReply) WriteReply(status int, body []byte) {
	if !f.written.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

func (f *fakeReply) ReadAuthCredentials() (string, string, bool) {
	return "", "", false
}

func noResource() (any, func(), error) {
	return nil, nil, nil
}

func echoHandler(tag string) HandlerFunc {
	return func(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any) {
		reply.WriteReply(200, []byte(tag+":"+pathTail))
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	podA := NewPod("a", 0, noResource, nil)
	podA.Start(1)
	defer podA.Stop()
	podA.Handle("/", echoHandler("A"))

	podB := NewPod("b", 0, noResource, nil)
	podB.Start(1)
	defer podB.Stop()
	podB.Handle("/post/", echoHandler("B"))

	router := NewRouter(nil)
	router.Register(podA)
	router.Register(podB)

	req := NewRequest(MethodPost, "/post/x", nil, nil, "127.0.0.1", nil)
	reply := newFakeReply()

	result := router.Dispatch(context.Background(), "/post/x", req, reply)
	if result != DispatchQueued {
		t.Fatalf("Dispatch result = %v, want DispatchQueued", result)
	}

	waitForReply(t, reply)
	if string(reply.body) != "A:post/x" {
		t.Fatalf("body = %q, want pod A to win (earlier registration)", reply.body)
	}
}

func TestRouterSwappedOrderChangesWinner(t *testing.T) {
	podA := NewPod("a", 0, noResource, nil)
	podA.Start(1)
	defer podA.Stop()
	podA.Handle("/", echoHandler("A"))

	podB := NewPod("b", 0, noResource, nil)
	podB.Start(1)
	defer podB.Stop()
	podB.Handle("/post/", echoHandler("B"))

	router := NewRouter(nil)
	router.Register(podB)
	router.Register(podA)

	req := NewRequest(MethodPost, "/post/x", nil, nil, "127.0.0.1", nil)
	reply := newFakeReply()
	router.Dispatch(context.Background(), "/post/x", req, reply)

	waitForReply(t, reply)
	if string(reply.body) != "B:x" {
		t.Fatalf("body = %q, want pod B to win when registered first", reply.body)
	}
}

func TestRouterNoRoute(t *testing.T) {
	router := NewRouter(nil)
	podA := NewPod("a", 0, noResource, nil)
	podA.Handle("/only/", echoHandler("A"))
	router.Register(podA)

	req := NewRequest(MethodGet, "/elsewhere", nil, nil, "127.0.0.1", nil)
	reply := newFakeReply()
	if got := router.Dispatch(context.Background(), "/elsewhere", req, reply); got != DispatchNoRoute {
		t.Fatalf("Dispatch result = %v, want DispatchNoRoute", got)
	}
}

func TestPodOverloadReturns503Signal(t *testing.T) {
	release := make(chan struct{})
	blocked := NewPod("blocked", 2, noResource, nil)
	blocked.Handle("/", HandlerFunc(func(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any) {
		<-release
		reply.WriteReply(200, nil)
	}))
	blocked.Start(1)
	defer func() {
		close(release)
		blocked.Stop()
	}()

	router := NewRouter(nil)
	router.Register(blocked)

	var results []DispatchResult
	for i := 0; i < 3; i++ {
		req := NewRequest(MethodGet, "/", nil, nil, "127.0.0.1", nil)
		reply := newFakeReply()
		results = append(results, router.Dispatch(context.Background(), "/", req, reply))
	}

	queued, overloaded := 0, 0
	for _, r := range results {
		switch r {
		case DispatchQueued:
			queued++
		case DispatchOverloaded:
			overloaded++
		}
	}
	if queued != 2 || overloaded != 1 {
		t.Fatalf("got queued=%d overloaded=%d, want queued=2 overloaded=1", queued, overloaded)
	}
}

func TestStopAllJoinsEveryWorker(t *testing.T) {
	router := NewRouter(nil)
	var inFlight atomic.Int32
	slow := NewPod("slow", 0, noResource, nil)
	slow.Handle("/", HandlerFunc(func(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any) {
		inFlight.Add(1)
		time.Sleep(50 * time.Millisecond)
		reply.WriteReply(200, nil)
		inFlight.Add(-1)
	}))
	slow.Start(4)
	router.Register(slow)

	for i := 0; i < 10; i++ {
		req := NewRequest(MethodGet, "/", nil, nil, "127.0.0.1", nil)
		router.Dispatch(context.Background(), "/", req, newFakeReply())
	}

	router.StopAll()

	if inFlight.Load() != 0 {
		t.Fatalf("StopAll returned with %d handlers still in flight", inFlight.Load())
	}
	for _, pod := range router.Pods() {
		if pod.Running() {
			t.Fatalf("pod %s still reports running after StopAll", pod.Name())
		}
	}
}

func TestRequestBodyConsumedOnce(t *testing.T) {
	req := NewRequest(MethodPost, "/", nil, []byte("payload"), "127.0.0.1", nil)
	first := req.ReadBody()
	if string(first) != "payload" {
		t.Fatalf("first ReadBody = %q, want %q", first, "payload")
	}
	second := req.ReadBody()
	if second != nil {
		t.Fatalf("second ReadBody = %q, want nil", second)
	}
}

func TestPodRecoversHandlerPanicAndReplies500(t *testing.T) {
	pod := NewPod("panicky", 0, noResource, nil)
	pod.Handle("/", HandlerFunc(func(ctx context.Context, pathTail string, req *Request, reply ReplyGateway, resource any) {
		panic("boom")
	}))
	pod.Start(1)
	defer pod.Stop()

	router := NewRouter(nil)
	router.Register(pod)

	req := NewRequest(MethodGet, "/", nil, nil, "127.0.0.1", nil)
	reply := newFakeReply()
	if got := router.Dispatch(context.Background(), "/", req, reply); got != DispatchQueued {
		t.Fatalf("Dispatch result = %v, want DispatchQueued", got)
	}

	waitForReply(t, reply)
	if reply.status != 500 {
		t.Fatalf("status = %d, want 500 for a panicking handler", reply.status)
	}
}

func TestMarkRepliedSucceedsOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	req := NewRequest(MethodGet, "/", nil, nil, "127.0.0.1", func(r *Request) {
		calls.Add(1)
	})
	if !req.MarkReplied() {
		t.Fatal("first MarkReplied should succeed")
	}
	if req.MarkReplied() {
		t.Fatal("second MarkReplied should report already-replied")
	}
}

func waitForReply(t *testing.T, reply *fakeReply) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if reply.written.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reply was never written")
}

package healthprobe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitHealthy_ImmediatelyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)

	ok := WaitHealthy(context.Background(), addr.Port, "/__health", 2*time.Second)
	if !ok {
		t.Fatal("expected healthy")
	}
}

func TestWaitHealthy_BecomesHealthyAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	ok := WaitHealthy(context.Background(), addr.Port, "/__health", 2*time.Second)
	if !ok {
		t.Fatal("expected healthy after retries")
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestWaitHealthy_DeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	start := time.Now()
	ok := WaitHealthy(context.Background(), addr.Port, "/__health", 200*time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected not healthy")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("took too long to give up: %v", elapsed)
	}
}

func TestWaitHealthy_ConnectionRefusedRetriesUntilDeadline(t *testing.T) {
	ok := WaitHealthy(context.Background(), 1, "/__health", 150*time.Millisecond)
	if ok {
		t.Fatal("expected not healthy when nothing is listening")
	}
}

func TestWaitHealthy_ContextCancellationStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok := WaitHealthy(ctx, 1, "/__health", 10*time.Second)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected not healthy")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("context cancellation did not stop the poll promptly: %v", elapsed)
	}
}

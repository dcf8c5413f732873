// Package streamproxy forwards a raw connection to a backend container,
// byte for byte, with no awareness of HTTP framing: no status line
// inspection, no Content-Length accounting, so chunked and streaming
// responses pass through untouched.
package streamproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakedock/gate/pkg/log"
	"github.com/wakedock/gate/pkg/metrics"
)

// dialTimeout bounds how long we wait to connect to a backend that has
// already reported healthy.
const dialTimeout = 5 * time.Second

// ErrDialFailed is returned when the backend connection cannot be
// established.
var ErrDialFailed = errors.New("streamproxy: failed to reach backend")

// Pump dials 127.0.0.1:port, forwards head (bytes already drained from
// client while classifying) to the backend, then copies bytes in both
// directions until one side closes. It blocks until both directions have
// finished.
func Pump(ctx context.Context, client net.Conn, group string, port int, head []byte) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	backend, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer backend.Close()

	if len(head) > 0 {
		if _, err := backend.Write(head); err != nil {
			return fmt.Errorf("%w: writing buffered head: %v", ErrDialFailed, err)
		}
	}

	logger := log.WithGroup(group)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyAndHalfClose(client, backend, group, "to_client", logger)
	}()
	go func() {
		defer wg.Done()
		copyAndHalfClose(backend, client, group, "to_backend", logger)
	}()

	wg.Wait()
	return nil
}

// copyAndHalfClose copies from src to dst until src returns EOF or errors,
// then half-closes dst's write side if it supports it, mirroring gate.py's
// pump()/shutdown(SHUT_WR) behavior so the other pump goroutine also
// unblocks.
func copyAndHalfClose(dst io.Writer, src io.Reader, group, direction string, logger zerolog.Logger) {
	n, err := io.Copy(dst, src)
	metrics.ProxyBytesTotal.WithLabelValues(group, direction).Add(float64(n))
	if err != nil {
		logger.Debug().Str("direction", direction).Err(err).Msg("proxy copy ended")
	}

	if closer, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	} else if conn, ok := dst.(net.Conn); ok {
		_ = conn.Close()
	}
}

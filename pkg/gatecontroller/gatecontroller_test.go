package gatecontroller

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakedock/gate/pkg/registry"
	"github.com/wakedock/gate/pkg/routetable"
)

type fakeDriver struct {
	mu      sync.Mutex
	running map[string]bool
	starts  int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[string]bool)}
}

func (f *fakeDriver) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name], nil
}

func (f *fakeDriver) Start(ctx context.Context, name, image string, port int, volumes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running[name] = true
	return nil
}

func (f *fakeDriver) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	return nil
}

func newTestTable(t *testing.T, routes string) *routetable.Table {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/routes.json", routes))
	orig := chdir(t, dir)
	defer orig()
	table := routetable.New()
	_, err := table.Load("")
	require.NoError(t, err)
	return table
}

func writeFile(path, contents string) error {
	return osWriteFile(path, contents)
}

func readResponse(t *testing.T, conn net.Conn) (status int, body string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	parts := strings.Fields(statusLine)
	require.True(t, len(parts) >= 2)
	status = atoiMust(t, parts[1])

	var b strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return status, b.String()
}

func TestHandleConnection_UnknownRouteReturns404(t *testing.T) {
	table := newTestTable(t, `[]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, time.Second, "")
	ctrl.Prober = func(ctx context.Context, port int, path string, deadline time.Duration) bool { return true }

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("GET /nope HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, body := readResponse(t, clientSide)
	assert.Equal(t, 404, status)
	assert.Contains(t, body, "no route")
}

func TestHandleConnection_AuthEnforcement(t *testing.T) {
	table := newTestTable(t, `[{"match":{"method":"POST","path":"/asr"},"target":{"group":"media-asr","image":"img","port":9090}}]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, time.Second, "abc")

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("POST /asr HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, _ := readResponse(t, clientSide)
	assert.Equal(t, 401, status)
}

func TestHandleConnection_MissingImageReturns500(t *testing.T) {
	table := newTestTable(t, `[{"match":{"method":"POST","path":"/asr"},"target":{"group":"media-asr","port":9090}}]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, time.Second, "")

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("POST /asr HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, _ := readResponse(t, clientSide)
	assert.Equal(t, 500, status)
}

func TestHandleConnection_UnhealthyBackendReturns503(t *testing.T) {
	table := newTestTable(t, `[{"match":{"method":"POST","path":"/asr"},"target":{"group":"media-asr","image":"img","port":9090}}]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, 10*time.Millisecond, "")
	ctrl.Prober = func(ctx context.Context, port int, path string, deadline time.Duration) bool { return false }

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("POST /asr HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, _ := readResponse(t, clientSide)
	assert.Equal(t, 503, status)
	assert.Equal(t, 1, driver.starts)
}

func TestHandleAdmin_Health(t *testing.T) {
	table := newTestTable(t, `[]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, time.Second, "")

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("GET /__health HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, body := readResponse(t, clientSide)
	assert.Equal(t, 200, status)
	assert.Contains(t, body, `"ok":true`)
}

func TestHandleAdmin_ReloadRoutes(t *testing.T) {
	table := newTestTable(t, `[]`)
	reg := registry.New()
	driver := newFakeDriver()
	ctrl := NewController(table, reg, driver, time.Second, "")

	clientSide, serverSide := net.Pipe()
	go ctrl.HandleConnection(context.Background(), serverSide)

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("GET /admin/reload-routes HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	status, body := readResponse(t, clientSide)
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "reloaded")
}

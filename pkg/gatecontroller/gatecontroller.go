// Package gatecontroller wires the route table, group registry, runtime
// driver and health prober together into the gate's per-connection
// request flow, and serves the small admin JSON surface.
package gatecontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wakedock/gate/pkg/classifier"
	"github.com/wakedock/gate/pkg/containerrt"
	"github.com/wakedock/gate/pkg/healthprobe"
	"github.com/wakedock/gate/pkg/log"
	"github.com/wakedock/gate/pkg/metrics"
	"github.com/wakedock/gate/pkg/registry"
	"github.com/wakedock/gate/pkg/routetable"
	"github.com/wakedock/gate/pkg/streamproxy"
)

// Prober is the subset of pkg/healthprobe's API the controller depends on,
// expressed as a function type (healthprobe.WaitHealthy's signature) so
// tests can substitute an instant prober.
type Prober func(ctx context.Context, port int, path string, deadline time.Duration) bool

// Controller holds the collaborators needed to service one connection,
// matching the teacher's ingress.Proxy struct shape: a routing table, a
// state store, and a backing driver, all wired together by NewController.
type Controller struct {
	Table    *routetable.Table
	Registry *registry.Registry
	Driver   containerrt.Driver
	Prober   Prober

	APIKey         string
	StartupTimeout time.Duration
}

// NewController wires the gate's collaborators into a Controller ready to
// serve connections.
func NewController(table *routetable.Table, reg *registry.Registry, driver containerrt.Driver, startupTimeout time.Duration, apiKey string) *Controller {
	return &Controller{
		Table:          table,
		Registry:       reg,
		Driver:         driver,
		Prober:         healthprobe.WaitHealthy,
		APIKey:         apiKey,
		StartupTimeout: startupTimeout,
	}
}

// writeStatus writes a minimal plain-text HTTP response directly to conn,
// since the gate otherwise never speaks HTTP response framing itself.
func writeStatus(conn net.Conn, code int, reason, body string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
	_, _ = conn.Write([]byte(resp))
}

func writeJSON(conn net.Conn, code int, reason string, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		writeStatus(conn, 500, "Internal Server Error", "encode error")
		return
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, reason, len(body), body)
	_, _ = conn.Write([]byte(resp))
}

// HandleConnection runs the gate's seven-step request flow for one accepted
// connection: classify, admin dispatch, route lookup, default resolution,
// touch + running check, start + health-gate if needed, then hand off to
// the stream proxy.
func (c *Controller) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := classifier.Classify(conn)
	if err != nil {
		writeStatus(conn, 400, "Bad Request", "unparseable request")
		return
	}

	logger := log.WithRequestID(req.ID)

	if c.APIKey != "" && req.APIKey != c.APIKey {
		metrics.RequestsTotal.WithLabelValues(req.Method, req.Path, "unauthorized").Inc()
		writeStatus(conn, 401, "Unauthorized", "unauthorized")
		return
	}

	if classifier.IsAdminPath(req.Path) {
		c.handleAdmin(conn, req)
		return
	}

	route, ok := c.Table.Lookup(req.Method, req.Path)
	if !ok {
		metrics.RequestsTotal.WithLabelValues(req.Method, req.Path, "not_found").Inc()
		writeStatus(conn, 404, "Not Found", "no route")
		return
	}

	target := route.ResolvedTarget()
	groupLogger := logger.With().Str("group", target.Group).Logger()

	state := c.Registry.Touch(target)

	running, err := c.Driver.IsRunning(ctx, state.ContainerName)
	if err != nil {
		groupLogger.Warn().Err(err).Msg("failed to check running state")
	}
	c.Registry.SetRunning(target.Group, running)
	metrics.GroupsRunning.Set(float64(c.Registry.RunningCount()))

	if !running {
		if target.Image == "" {
			metrics.RequestsTotal.WithLabelValues(req.Method, req.Path, "missing_image").Inc()
			writeStatus(conn, 500, "Internal Server Error", "group has no image configured")
			return
		}

		metrics.ColdStartsTotal.WithLabelValues(target.Group).Inc()
		timer := metrics.NewTimer()

		if err := c.Driver.Start(ctx, state.ContainerName, target.Image, target.Port, target.Volumes); err != nil {
			groupLogger.Error().Err(err).Msg("container start failed")
		}

		healthy := c.Prober(ctx, target.Port, target.Health, c.StartupTimeout)

		if !healthy {
			metrics.RequestsTotal.WithLabelValues(req.Method, req.Path, "unhealthy").Inc()
			writeStatus(conn, 503, "Service Unavailable", "backend failed to become healthy")
			return
		}
		timer.ObserveDurationVec(metrics.ColdStartDuration, target.Group)
		c.Registry.SetRunning(target.Group, true)
		metrics.GroupsRunning.Set(float64(c.Registry.RunningCount()))
	}

	metrics.RequestsTotal.WithLabelValues(req.Method, req.Path, "proxied").Inc()

	if err := streamproxy.Pump(ctx, conn, target.Group, target.Port, req.Head); err != nil {
		groupLogger.Warn().Err(err).Msg("backend dial failed")
		writeStatus(conn, 502, "Bad Gateway", "backend unreachable")
	}
}

func (c *Controller) handleAdmin(conn net.Conn, req classifier.Request) {
	switch {
	case strings.HasPrefix(req.Path, "/__health"):
		writeJSON(conn, 200, "OK", map[string]bool{"ok": true})

	case strings.HasPrefix(req.Path, "/admin/status"):
		writeJSON(conn, 200, "OK", c.statusSnapshot())

	case strings.HasPrefix(req.Path, "/admin/reload-routes"):
		tag, err := c.Table.Reload()
		if err != nil {
			writeStatus(conn, 500, "Internal Server Error", "reload failed")
			return
		}
		writeJSON(conn, 200, "OK", map[string]string{"reloaded": tag})

	case strings.HasPrefix(req.Path, "/admin/metrics"):
		c.handleMetrics(conn)

	default:
		writeStatus(conn, 404, "Not Found", "no route")
	}
}

// handleMetrics renders the Prometheus exposition format over the raw
// connection by driving promhttp's handler against a minimal in-memory
// http.ResponseWriter, since the gate has no net/http server of its own to
// hand this off to.
func (c *Controller) handleMetrics(conn net.Conn) {
	rec := newRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/admin/metrics", nil)
	metrics.Handler().ServeHTTP(rec, req)
	body := rec.body.String()
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	_, _ = conn.Write([]byte(resp))
}

type statusResponse struct {
	Routes []routetable.Route           `json:"routes"`
	States map[string]groupStatusDetail `json:"states"`
}

type groupStatusDetail struct {
	Port      int       `json:"port"`
	Idle      int       `json:"idle"`
	LastTouch time.Time `json:"last_touch"`
	Image     string    `json:"image"`
	Running   bool      `json:"running"`
}

func (c *Controller) statusSnapshot() statusResponse {
	states := make(map[string]groupStatusDetail)
	for _, s := range c.Registry.Snapshot() {
		states[s.Group] = groupStatusDetail{
			Port:      s.Target.Port,
			Idle:      s.Target.IdleSeconds,
			LastTouch: s.LastTouch,
			Image:     s.Target.Image,
			Running:   s.Running,
		}
	}
	return statusResponse{
		Routes: c.Table.Snapshot(),
		States: states,
	}
}

// Serve accepts connections on listener until ctx is cancelled, spawning
// one goroutine per connection, mirroring gate.py's accept-loop-plus-thread
// model translated to goroutines.
func (c *Controller) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger := log.WithComponent("gatecontroller")
	var retryDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if retryDelay == 0 {
					retryDelay = 5 * time.Millisecond
				} else {
					retryDelay *= 2
				}
				if max := time.Second; retryDelay > max {
					retryDelay = max
				}
				logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("accept failed, retrying")
				time.Sleep(retryDelay)
				continue
			}
			logger.Warn().Err(err).Msg("accept failed")
			return err
		}
		retryDelay = 0
		go c.HandleConnection(ctx, conn)
	}
}

// recorder is a tiny http.ResponseWriter that buffers the body so we can
// forward it over a raw net.Conn; promhttp's handler only needs Header,
// WriteHeader and Write.
type recorder struct {
	header     http.Header
	statusCode int
	body       *strings.Builder
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), body: &strings.Builder{}}
}

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) WriteHeader(code int)        { r.statusCode = code }
func (r *recorder) Write(b []byte) (int, error) { return r.body.Write(b) }

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/wakedock/gate/pkg/containerrt"
	"github.com/wakedock/gate/pkg/gatecontroller"
	"github.com/wakedock/gate/pkg/log"
	"github.com/wakedock/gate/pkg/reaper"
	"github.com/wakedock/gate/pkg/registry"
	"github.com/wakedock/gate/pkg/routetable"
)

const (
	defaultHostPort       = 8080
	defaultBindHost       = "127.0.0.1"
	defaultStartupTimeout = 20 * time.Second
	defaultIdleSweepSec   = 1
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate, listening for requests and starting backends on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe()
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func runServe() error {
	logger := log.WithComponent("main")

	if !containerrt.BinaryAvailable() {
		logger.Fatal().Msg("docker binary not found on PATH")
	}

	hostPort := envOrInt("HOST_PORT", defaultHostPort)
	bindHost := envOr("BIND_HOST", defaultBindHost)
	startupTimeout := time.Duration(envOrInt("STARTUP_TIMEOUT", int(defaultStartupTimeout/time.Second))) * time.Second
	idleSweepSec := envOrInt("IDLE_SWEEP_SEC", defaultIdleSweepSec)
	apiKey := envOr("API_KEY", "")

	table := routetable.New()
	tag, err := table.Load("")
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	logger.Info().Str("source", tag).Msg("routes loaded")

	reg := registry.New()
	driver := containerrt.NewCLIDriver()
	controller := gatecontroller.NewController(table, reg, driver, startupTimeout, apiKey)

	idleReaper := reaper.New(reg, driver, time.Duration(idleSweepSec)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idleReaper.Start(ctx)
	defer idleReaper.Stop()

	addr := net.JoinHostPort(bindHost, strconv.Itoa(hostPort))
	listener, err := listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Msg("gate listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	return controller.Serve(ctx, listener)
}

// listen binds addr with a best-effort SO_REUSEADDR on platforms that
// support it via syscall.RawConn; failures are logged at debug and
// otherwise ignored, since net.Listen's own default backlog/reuse
// behavior is already adequate on Linux.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	logger := log.WithComponent("main")
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				logger.Debug().Err(err).Msg("socket control unavailable, using OS default")
				return nil
			}
			if sockErr != nil {
				logger.Debug().Err(sockErr).Msg("SO_REUSEADDR unavailable, using OS default")
			}
			return nil
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

// Package containerrt wraps the docker CLI as the gate's container runtime
// driver: checking whether a group's container is running, starting it, and
// stopping it, all via exec.CommandContext rather than a client library.
package containerrt

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wakedock/gate/pkg/log"
)

// Driver is the gate's container runtime abstraction. CLIDriver is the only
// production implementation; tests substitute a fake.
type Driver interface {
	// IsRunning reports whether a container named name is currently running.
	IsRunning(ctx context.Context, name string) (bool, error)
	// Start force-removes any stale container named name, then runs image
	// under that name, publishing port on 127.0.0.1 and mounting volumes.
	Start(ctx context.Context, name, image string, port int, volumes []string) error
	// Stop gracefully stops the container named name, falling back to a
	// forced removal if the graceful stop fails.
	Stop(ctx context.Context, name string) error
}

// stopGraceSeconds is docker stop's -t grace period, matching the Python
// original's wait-then-kill behavior.
const stopGraceSeconds = 5

// CLIDriver drives docker via subprocess invocation.
type CLIDriver struct {
	// Bin is the docker binary to invoke. Defaults to "docker" when empty.
	Bin string
}

// NewCLIDriver returns a CLIDriver invoking the docker binary found on PATH.
func NewCLIDriver() *CLIDriver {
	return &CLIDriver{Bin: "docker"}
}

func (d *CLIDriver) bin() string {
	if d.Bin == "" {
		return "docker"
	}
	return d.Bin
}

// IsRunning shells out to `docker ps -q -f name=^<name>$` and treats any
// non-empty stdout as "running".
func (d *CLIDriver) IsRunning(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, d.bin(), "ps", "-q", "-f", "name=^"+name+"$")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("docker ps %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// Start removes any stale container by the same name, then launches a new
// one bound to 127.0.0.1:port and detached (--rm so it cleans itself up on
// stop), mirroring gate.py's start_container.
func (d *CLIDriver) Start(ctx context.Context, name, image string, port int, volumes []string) error {
	logger := log.WithComponent("containerrt")

	rm := exec.CommandContext(ctx, d.bin(), "rm", "-f", name)
	if out, err := rm.CombinedOutput(); err != nil {
		logger.Debug().Str("group", name).Str("output", string(out)).Msg("docker rm -f before start (ignorable if nothing to remove)")
	}

	args := []string{"run", "--rm", "--name", name,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", port, port),
	}
	for _, v := range volumes {
		args = append(args, "-v", v)
	}
	args = append(args, image)

	cmd := exec.CommandContext(ctx, d.bin(), args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("docker run %s: %w", name, err)
	}
	// Detach: the container keeps running after this process returns,
	// the caller polls IsRunning/health separately. We don't Wait() here.
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug().Str("group", name).Err(err).Msg("container process exited")
		}
	}()
	return nil
}

// Stop attempts a graceful `docker stop -t 5`, falling back to `docker rm -f`
// if the graceful stop fails, mirroring gate.py's stop_container.
func (d *CLIDriver) Stop(ctx context.Context, name string) error {
	stop := exec.CommandContext(ctx, d.bin(), "stop", "-t", fmt.Sprintf("%d", stopGraceSeconds), name)
	if err := stop.Run(); err == nil {
		return nil
	}

	rm := exec.CommandContext(ctx, d.bin(), "rm", "-f", name)
	if err := rm.Run(); err != nil {
		return fmt.Errorf("docker stop/rm %s: %w", name, err)
	}
	return nil
}

// BinaryAvailable reports whether the docker CLI is reachable on PATH.
// The gate refuses to start serving without it, per spec.md §6.3.
func BinaryAvailable() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

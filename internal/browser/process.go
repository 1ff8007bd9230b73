// internal/browser/process.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// freePort kills every process other than this one that is listening on the
// TCP port.
func freePort(ctx context.Context, logger *zap.Logger, port int) error {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return fmt.Errorf("listing tcp connections: %w", err)
	}

	self := int32(os.Getpid())
	killed := make(map[int32]bool)
	for _, c := range conns {
		if c.Laddr.Port != uint32(port) || c.Status != "LISTEN" {
			continue
		}
		if c.Pid == 0 || c.Pid == self || killed[c.Pid] {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		logger.Warn("Killing process holding the remote debugging port",
			zap.Int("port", port), zap.Int32("pid", c.Pid), zap.String("name", name))
		if err := proc.KillWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("killing pid %d on port %d: %w", c.Pid, port, err)
		}
		killed[c.Pid] = true
	}

	if len(killed) > 0 {
		// Give the kernel a moment to release the socket.
		t := time.NewTimer(500 * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// killTree kills pid and all of its descendants, children first.
func killTree(ctx context.Context, pid int32) error {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	children, _ := proc.ChildrenWithContext(ctx)
	var errs []error
	for _, child := range children {
		if err := killTree(ctx, child.Pid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := proc.KillWithContext(ctx); err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
		errs = append(errs, fmt.Errorf("killing pid %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

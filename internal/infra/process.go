// Package infra implements infrastructure concerns (processes, commands, files, journal).
package infra

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct {
	selfPID int32
}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{selfPID: int32(os.Getpid())}
}

// FindByCmdline returns PIDs whose full command line contains pattern.
// Matches like `pgrep -f`; our own process is skipped.
func (pm *ProcessManagerImpl) FindByCmdline(ctx context.Context, pattern string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Pid == pm.selfPID {
			continue
		}

		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			// Kernel threads have no cmdline; fall back to the name.
			name, nerr := p.NameWithContext(ctx)
			if nerr != nil {
				continue // Process may have exited
			}
			cmdline = name
		}

		if strings.Contains(cmdline, pattern) {
			found = append(found, int(p.Pid))
		}
	}

	return found, nil
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)

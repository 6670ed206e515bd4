// Package infra implements infrastructure concerns (process, filesystem,
// package resolution, downloads, cache index).
package infra

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// IsRunning checks if a PID exists and is not a zombie.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// KillTree terminates a process and every descendant, children first.
// Interpreters frequently spawn helpers that would otherwise outlive the host.
func (pm *ProcessManagerImpl) KillTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	return killTree(p)
}

func killTree(p *process.Process) error {
	children, _ := p.Children() // ErrorNoChildren is expected for leaves
	var lastErr error
	for _, child := range children {
		if err := killTree(child); err != nil {
			lastErr = err
		}
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); running {
			lastErr = fmt.Errorf("failed to kill process %d: %w", p.Pid, err)
		}
	}
	return lastErr
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)

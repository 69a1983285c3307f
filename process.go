package systray

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the process owning a bus connection.
type ProcessInfo struct {
	PID     int32  `yaml:"pid"`
	Name    string `yaml:"name"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

// OwnerProcess returns the process owning the connection with the given
// unique name.
func OwnerProcess(bus Bus, uniqueName string) (*ProcessInfo, error) {
	pid, err := bus.ProcessID(uniqueName)
	if err != nil {
		return nil, err
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	info := &ProcessInfo{PID: proc.Pid}

	if info.Name, err = proc.Name(); err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	// Cmdline is not readable for every process.
	info.Cmdline, _ = proc.Cmdline()

	return info, nil
}

// ownerProcessName is the name of the process owning uniqueName, or "" if
// it cannot be determined.
func ownerProcessName(bus Bus, uniqueName string) string {
	info, err := OwnerProcess(bus, uniqueName)
	if err != nil {
		return ""
	}

	return info.Name
}

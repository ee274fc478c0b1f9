package util

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemoryMB returns the resident set size of the given process in
// megabytes.
func ProcessMemoryMB(pid int) (float64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}

	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}

	return float64(info.RSS) / (1024 * 1024), nil
}

// SelfMemoryMB returns the resident set size of the current process in
// megabytes.
func SelfMemoryMB() (float64, error) {
	return ProcessMemoryMB(os.Getpid())
}

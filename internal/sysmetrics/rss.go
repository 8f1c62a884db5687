// Package sysmetrics reports the running process's own resource usage,
// for comparison against the hash map's internal accounting.
package sysmetrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessRSSBytes returns the calling process's resident set size in
// bytes, as reported by the OS.
func ProcessRSSBytes() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, fmt.Errorf("sysmetrics: locating self process: %w", err)
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("sysmetrics: reading memory info: %w", err)
	}
	return info.RSS, nil
}

// ProcessRSSMiB is ProcessRSSBytes converted to mebibytes, the unit the
// placement subcommand prints.
func ProcessRSSMiB() (float64, error) {
	bytes, err := ProcessRSSBytes()
	if err != nil {
		return 0, err
	}
	return float64(bytes) / (1024 * 1024), nil
}

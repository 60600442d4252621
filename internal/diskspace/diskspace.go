// Package diskspace reports free space on the volume backing the cache
// directory, used by the eviction engine's disk-space floor check.
package diskspace

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// Monitor queries free space for one path.
type Monitor struct {
	path string
}

// New creates a Monitor for the volume containing path.
func New(path string) *Monitor {
	return &Monitor{path: path}
}

// FreeBytes returns the free space available on the volume backing the
// monitor's path.
func (m *Monitor) FreeBytes() (uint64, error) {
	usage, err := disk.Usage(m.path)
	if err != nil {
		return 0, fmt.Errorf("diskspace: usage %s: %w", m.path, err)
	}
	return usage.Free, nil
}

// Below reports whether free space on the monitored volume is below
// minFree.
func (m *Monitor) Below(minFree uint64) (bool, error) {
	free, err := m.FreeBytes()
	if err != nil {
		return false, err
	}
	return free < minFree, nil
}

package server

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimit reads the container memory limit from the cgroup
// filesystem, v2 first then v1. Returns 0 when no limit applies,
// which covers bare metal and unlimited containers.
func memoryLimit() uint64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if v, err := strconv.ParseUint(s, 10, 64); err == nil {
				return v
			}
		}
		return 0
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			// v1 reports a huge sentinel when unconstrained.
			if v < 1<<60 {
				return v
			}
		}
	}
	return 0
}

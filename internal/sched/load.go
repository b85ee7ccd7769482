package sched

import (
	"bytes"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// LoadProbe reports instantaneous host load. ok is false when no metric
// could be read; callers must then assume the host is saturated.
type LoadProbe func() (load float64, ok bool)

// HostLoad is the production probe: the maximum of the number of currently
// runnable processes (procs_running from /proc/stat) and the 1-minute load
// average. Runnable count reacts instantly to bursts; the load average
// covers platforms where /proc is unreadable.
func HostLoad() (float64, bool) {
	load := -1.0
	if n, err := procsRunning(); err == nil {
		load = float64(n)
	}
	if avg, err := loadAverage(); err == nil && avg > load {
		load = avg
	}
	if load < 0 {
		return 0, false
	}
	return load, true
}

// procsRunning parses the procs_running line of /proc/stat.
func procsRunning() (int, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		fields := bytes.Fields(line)
		if len(fields) == 2 && string(fields[0]) == "procs_running" {
			return strconv.Atoi(string(fields[1]))
		}
	}
	return 0, os.ErrNotExist
}

// loadAverage returns the 1-minute load average via sysinfo(2).
func loadAverage() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	// Loads are fixed-point, scaled by 1<<SI_LOAD_SHIFT (16).
	return float64(info.Loads[0]) / float64(1<<16), nil
}

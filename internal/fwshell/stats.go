package fwshell

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// readProcStats reads /proc/<pid> for a best-effort resource snapshot.
// When /proc is unavailable (non-Linux), it degrades to {alive, uptime}
// only, per §4.E.
func readProcStats(pid int, startedAt time.Time) (Stats, error) {
	uptime := time.Since(startedAt).Seconds()
	base := Stats{Alive: pidAlive(pid), UptimeSecs: uptime}

	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	statData, err := os.ReadFile(statPath)
	if err != nil {
		return base, nil // /proc not present: degrade gracefully
	}

	// Fields are space-separated; the comm field (2nd) may itself contain
	// spaces inside parens, so locate the closing paren first.
	closeParen := strings.LastIndexByte(string(statData), ')')
	if closeParen < 0 {
		return base, nil
	}
	rest := strings.Fields(string(statData[closeParen+1:]))
	// rest[0] = state, and per proc(5): utime is field 14, stime field 15,
	// numthreads field 20, starttime field 22 (1-indexed overall; rest is
	// offset by the 2 fields already consumed).
	const (
		idxUtime      = 14 - 3
		idxStime      = 15 - 3
		idxNumThreads = 20 - 3
	)
	if len(rest) <= idxNumThreads {
		return base, nil
	}

	clockTicks := float64(100) // USER_HZ is 100 on virtually all Linux builds
	utime, _ := strconv.ParseFloat(rest[idxUtime], 64)
	stime, _ := strconv.ParseFloat(rest[idxStime], 64)
	cpuSeconds := (utime + stime) / clockTicks
	var cpuPct *float64
	if uptime > 0 {
		pct := (cpuSeconds / uptime) * 100
		cpuPct = &pct
	}

	var threads *int
	if n, err := strconv.Atoi(rest[idxNumThreads]); err == nil {
		threads = &n
	}

	base.CPUPercent = cpuPct
	base.Threads = threads

	if rss, ok := readRSSBytes(pid); ok {
		base.RSSBytes = &rss
	}

	return base, nil
}

func readRSSBytes(pid int) (uint64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Descendants returns the PIDs of every live descendant of pid, parents
// before children. Errors from the process table are treated as "no
// children".
func Descendants(pid int) []int {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	seen := map[int32]bool{int32(pid): true}
	queue := []*gopsproc.Process{p}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := cur.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, int(c.Pid))
			queue = append(queue, c)
		}
	}
	return out
}

// Usage is a point-in-time resource sample of a process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// SampleUsage reads CPU and memory figures for pid.
func SampleUsage(pid int) (Usage, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// Alive reports whether pid refers to a live process. A Linux zombie that
// has not been reaped yet counts as dead.
func Alive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return processExists(pid)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

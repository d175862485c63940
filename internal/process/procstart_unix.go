//go:build !windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

var (
	bootOnce sync.Once
	bootSecs int64
	clkTck   int64 = 100
)

// procStartTime returns when pid was started, or the zero time when that
// cannot be determined. On Linux the resolution is one clock tick.
func procStartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS != "linux" {
		p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115 -- pids fit in int32
		if err != nil {
			return time.Time{}
		}
		if ms, err := p.CreateTime(); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}

	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}
	}
	ticks := startTicks(stat)
	bootOnce.Do(loadBootInfo)
	if ticks <= 0 || bootSecs == 0 {
		return time.Time{}
	}
	return time.Unix(bootSecs+ticks/clkTck, (ticks%clkTck)*int64(time.Second)/clkTck)
}

// startTicks extracts field 22 (starttime) of a /proc/<pid>/stat line. The
// command name in field 2 may contain spaces, so fields are counted from the
// last ')'.
func startTicks(stat []byte) int64 {
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return 0
	}
	f := strings.Fields(string(stat[i+1:]))
	if len(f) < 20 {
		return 0
	}
	n, err := strconv.ParseInt(f[19], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func loadBootInfo() {
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		clkTck = clk
	}
	f, err := os.Open("/proc/stat")
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "btime "); ok {
			bootSecs, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			return
		}
	}
}

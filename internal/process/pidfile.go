package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned by AcquirePIDFile when a live process already owns
// the file.
var ErrLocked = errors.New("pid file held by a running process")

// PIDInfo is the JSON block written after the PID line.
type PIDInfo struct {
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
	APIAddr   string    `json:"api_addr,omitempty"`
}

// WritePIDFile writes "<pid>\n<json info>\n" atomically.
func WritePIDFile(path string, pid int, info PIDInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
// For legacy files that contain only the PID, info will be nil.
func ReadPIDFile(path string) (int, *PIDInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var info PIDInfo
	if err := json.Unmarshal([]byte(rest), &info); err != nil {
		// Return PID even if info cannot be parsed
		return pid, nil, nil
	}
	return pid, &info, nil
}

// pidReuseSlack absorbs the one-second resolution of process start times.
const pidReuseSlack = 2 * time.Second

// ownerIsStale reports whether pid, although alive, started after the
// recorded owner did, meaning the PID was reused by an unrelated process.
func ownerIsStale(pid int, info *PIDInfo) bool {
	if info == nil || info.StartedAt.IsZero() {
		return false
	}
	started := procStartTime(pid)
	return !started.IsZero() && started.After(info.StartedAt.Add(pidReuseSlack))
}

// AcquirePIDFile claims path for the current process. A file left behind by
// a dead process, or whose PID now belongs to a younger process, is
// replaced; one owned by a live process yields ErrLocked together with the
// owner's PID.
func AcquirePIDFile(path string, info PIDInfo) (release func(), owner int, err error) {
	self := os.Getpid()
	if pid, prev, rerr := ReadPIDFile(path); rerr == nil && pid != self && Alive(pid) && !ownerIsStale(pid, prev) {
		return nil, pid, fmt.Errorf("%s: %w (pid %d)", path, ErrLocked, pid)
	}
	if err := WritePIDFile(path, self, info); err != nil {
		return nil, 0, err
	}
	release = func() {
		if pid, _, err := ReadPIDFile(path); err == nil && pid == self {
			_ = os.Remove(path)
		}
	}
	return release, 0, nil
}

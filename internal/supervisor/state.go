package supervisor

import (
	"fmt"
	"time"

	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/settings"
)

// State is the supervisor's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateRestarting
)

var allStates = []string{"stopped", "starting", "running", "stopping", "restarting"}

func (s State) String() string {
	if s >= 0 && int(s) < len(allStates) {
		return allStates[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range allStates {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// StopReason says why the supervisor is in StateStopped.
type StopReason int32

const (
	ReasonNone       StopReason = iota // never started
	ReasonRequested                    // stopped on request
	ReasonUnexpected                   // child exited on its own
	ReasonFailed                       // start failed
)

func (r StopReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonUnexpected:
		return "unexpected"
	case ReasonFailed:
		return "failed"
	default:
		return "none"
	}
}

func (r StopReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *StopReason) UnmarshalText(b []byte) error {
	for _, c := range []StopReason{ReasonNone, ReasonRequested, ReasonUnexpected, ReasonFailed} {
		if c.String() == string(b) {
			*r = c
			return nil
		}
	}
	return fmt.Errorf("unknown stop reason %q", b)
}

// Status is a snapshot of the supervisor and its child.
type Status struct {
	State        State            `json:"state"`
	PID          int              `json:"pid,omitempty"`
	StartedAt    time.Time        `json:"started_at,omitempty"`
	StoppedAt    time.Time        `json:"stopped_at,omitempty"`
	Uptime       time.Duration    `json:"uptime_ns"`
	UptimeText   string           `json:"uptime"`
	Restarts     uint32           `json:"restarts"`
	LastExitCode *int             `json:"last_exit_code,omitempty"`
	StopReason   StopReason       `json:"stop_reason"`
	// Recoverable is set while the watchdog still owes a restart.
	Recoverable  bool             `json:"recoverable,omitempty"`
	Config       *settings.Config `json:"config,omitempty"`
	CommandLine  string           `json:"command_line,omitempty"`
	Usage        *process.Usage   `json:"usage,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// Running reports whether the child is up.
func (s Status) Running() bool { return s.State == StateRunning }

// FormatUptime renders d as HH:MM:SS, with hours counted past 24. From 100
// hours on it switches to "Nd HH:MM:SS".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	secs := total % 60
	mins := (total / 60) % 60
	hours := total / 3600
	if hours < 100 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
	}
	return fmt.Sprintf("%dd %02d:%02d:%02d", hours/24, hours%24, mins, secs)
}

package client

import "time"

// Settings is the launch configuration stored by the launcher.
type Settings struct {
	ExecutablePath string `json:"executable_path"`
	Port           string `json:"port,omitempty"`
	Profile        string `json:"profile,omitempty"`
}

// Usage is a resource sample of the running child.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// LogStats mirrors the log pipeline counters.
type LogStats struct {
	Retained  int    `json:"retained"`
	Capacity  int    `json:"capacity"`
	Ingested  uint64 `json:"ingested"`
	Evicted   uint64 `json:"evicted"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Skipped   uint64 `json:"skipped_drains"`
	Paused    bool   `json:"paused"`
}

// Status represents the launcher's view of the child.
type Status struct {
	State        string        `json:"state"`
	PID          int           `json:"pid,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	StoppedAt    time.Time     `json:"stopped_at,omitempty"`
	Uptime       time.Duration `json:"uptime_ns"`
	UptimeText   string        `json:"uptime"`
	Restarts     uint32        `json:"restarts"`
	LastExitCode *int          `json:"last_exit_code,omitempty"`
	StopReason   string        `json:"stop_reason"`
	Recoverable  bool          `json:"recoverable,omitempty"`
	Config       *Settings     `json:"config,omitempty"`
	CommandLine  string        `json:"command_line,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Logs         *LogStats     `json:"logs,omitempty"`
}

// Running reports whether the child is up.
func (s Status) Running() bool { return s.State == "running" }

// LogRecord is one delivered output line.
type LogRecord struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
	Source  string    `json:"source"`
	System  bool      `json:"system"`
	Evicted int       `json:"evicted,omitempty"`
}

// LogPage is a slice of the delivered log tail. Pass Next as after to
// continue where it ended.
type LogPage struct {
	Records []LogRecord `json:"records"`
	Next    uint64      `json:"next"`
	Paused  bool        `json:"paused"`
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		PID        int       `json:"pid"`
		Executable string    `json:"executable"`
		Port       string    `json:"port,omitempty"`
		Profile    string    `json:"profile,omitempty"`
		StartedAt  time.Time `json:"started_at"`
		StoppedAt  time.Time `json:"stopped_at,omitempty"`
		ExitCode   *int      `json:"exit_code,omitempty"`
		Reason     string    `json:"reason,omitempty"`
		Forced     bool      `json:"forced,omitempty"`
		Error      string    `json:"error,omitempty"`
	} `json:"record"`
}

// Result is the answer to a lifecycle command. Warning is set when the
// command succeeded with a caveat, such as a forced kill.
type Result struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type settingsResponse struct {
	Settings Settings `json:"settings"`
	Warning  string   `json:"warning,omitempty"`
}

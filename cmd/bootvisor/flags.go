package main

import "time"

// SettingsSetFlags holds flags for "settings set".
type SettingsSetFlags struct {
	Executable string
	Port       string
	Profile    string
	Clear      bool
}

// ExportFlags holds flags for "export-logs".
type ExportFlags struct {
	From string
	To   string
	Out  string
	Dir  string
}

// StartFlags holds flags for the remote start command.
type StartFlags struct {
	Executable string
	Port       string
	Profile    string
	Save       bool
}

// StopFlags holds flags for the remote stop and restart commands.
type StopFlags struct {
	Wait time.Duration
	Yes  bool
}

// LogsFlags holds flags for the remote logs command.
type LogsFlags struct {
	After  uint64
	Limit  int
	Follow bool
	Every  time.Duration
	Pause  bool
	Resume bool
}

// HistoryFlags holds flags for the remote history command.
type HistoryFlags struct {
	Limit int
}

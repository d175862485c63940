package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/bootvisor/internal/settings"
)

const (
	DefaultRuntime     = "java"
	DefaultArchiveFlag = "-jar"
	DefaultPortFlag    = "--server.port"
	DefaultProfileFlag = "--spring.profiles.active"
)

// Launcher turns a settings.Config into the child's command line:
//
//	<runtime> [runtime args...] -jar <archive> [--server.port=<port>] [--spring.profiles.active=<profile>]
type Launcher struct {
	Runtime     string   `mapstructure:"runtime"`
	RuntimeArgs []string `mapstructure:"runtime_args"` // e.g. JVM options, placed before the archive flag
	ArchiveFlag string   `mapstructure:"archive_flag"`
	PortFlag    string   `mapstructure:"port_flag"`
	ProfileFlag string   `mapstructure:"profile_flag"`
	Env         []string `mapstructure:"env"` // appended to the launcher's environment
}

func (l Launcher) withDefaults() Launcher {
	if l.Runtime == "" {
		l.Runtime = DefaultRuntime
	}
	if l.ArchiveFlag == "" {
		l.ArchiveFlag = DefaultArchiveFlag
	}
	if l.PortFlag == "" {
		l.PortFlag = DefaultPortFlag
	}
	if l.ProfileFlag == "" {
		l.ProfileFlag = DefaultProfileFlag
	}
	return l
}

// Args returns the full argument vector, runtime first. Optional flags are
// emitted only when the corresponding field is non-empty.
func (l Launcher) Args(cfg settings.Config) []string {
	l = l.withDefaults()
	args := make([]string, 0, 5+len(l.RuntimeArgs))
	args = append(args, l.Runtime)
	args = append(args, l.RuntimeArgs...)
	args = append(args, l.ArchiveFlag, cfg.ExecutablePath)
	if port := strings.TrimSpace(cfg.Port); port != "" {
		args = append(args, l.PortFlag+"="+port)
	}
	if profile := strings.TrimSpace(cfg.Profile); profile != "" {
		args = append(args, l.ProfileFlag+"="+profile)
	}
	return args
}

// CommandLine renders Args for logs, quoting arguments that contain spaces.
func (l Launcher) CommandLine(cfg settings.Config) string {
	args := l.Args(cfg)
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") {
			args[i] = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
	}
	return strings.Join(args, " ")
}

// Command builds the *exec.Cmd for cfg. The working directory is the
// archive's directory.
func (l Launcher) Command(cfg settings.Config) *exec.Cmd {
	args := l.Args(cfg)
	// #nosec G204 -- the runtime and archive come from the operator's own settings
	cmd := exec.Command(args[0], args[1:]...)
	if dir := filepath.Dir(cfg.ExecutablePath); dir != "" {
		cmd.Dir = dir
	}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	return cmd
}

// ProbeArgs are the arguments used to check that the runtime is installed.
func (l Launcher) ProbeArgs() []string { return []string{"-version"} }

// RuntimePath returns the configured runtime entrypoint.
func (l Launcher) RuntimePath() string { return l.withDefaults().Runtime }

// Package launcher assembles the settings store, log pipeline, supervisor,
// watchdog and control server into one running application.
package launcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/events"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/history/factory"
	"github.com/loykin/bootvisor/internal/logger"
	"github.com/loykin/bootvisor/internal/logpipe"
	"github.com/loykin/bootvisor/internal/metrics"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/server"
	"github.com/loykin/bootvisor/internal/settings"
	"github.com/loykin/bootvisor/internal/supervisor"
	itls "github.com/loykin/bootvisor/internal/tls"
	"github.com/loykin/bootvisor/internal/watchdog"
)

const (
	appName        = "bootvisor"
	lockFileName   = "bootvisor.pid"
	shutdownWindow = 10 * time.Second
)

// App owns every long-lived component. Build it with New and drive it with Run.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Settings   *settings.Store
	Logs       *logpipe.Pipeline
	Bus        *events.Bus
	History    *history.Recorder
	Supervisor *supervisor.Supervisor
	Watchdog   *watchdog.Watchdog

	historyReader server.HistoryReader
	tee           *projectLog
	srv           *http.Server

	ready    chan struct{}
	addrMu   sync.Mutex
	addr     string
	released bool
}

// New wires the components described by cfg. Nothing runs until Run.
func New(cfg config.Config, log *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = cfg.Log.NewSlogger()
	}
	a := &App{cfg: cfg, logger: log, ready: make(chan struct{})}

	launcher, err := cfg.ProcessLauncher()
	if err != nil {
		return nil, fmt.Errorf("launcher env: %w", err)
	}
	var tlsCfg *tls.Config
	if cfg.Server.Enabled {
		if tlsCfg, err = itls.Setup(cfg.Server.TLS); err != nil {
			return nil, fmt.Errorf("server tls: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.Settings = settings.NewStore(cfg.Settings.Path, log)
	a.Bus = events.NewBus(log)

	var tee io.Writer
	if cfg.Log.File.Enabled() {
		a.tee = newProjectLog(cfg.Log.File, a.projectName)
		tee = a.tee
	}
	a.Logs = logpipe.New(logpipe.Options{
		Capacity:  cfg.Logs.Capacity,
		BatchSize: cfg.Logs.BatchSize,
		Interval:  cfg.Logs.Interval,
		TailSize:  cfg.Logs.TailSize,
		Tee:       tee,
		Logger:    log,
	})
	a.Logs.SetConsumer(func(batch []logpipe.Record) {
		a.Bus.Publish(events.Event{Topic: events.TopicLogs, Logs: batch})
	})

	if cfg.History.Enabled && len(cfg.History.DSNs) > 0 {
		sinks, err := factory.NewSinksFromDSNs(cfg.History.DSNs)
		if err != nil {
			a.Bus.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		a.History = history.NewRecorder(log, cfg.History.Timeout, sinks...)
		for _, s := range sinks {
			if r, ok := s.(server.HistoryReader); ok {
				a.historyReader = r
				break
			}
		}
	}

	a.Supervisor = supervisor.New(supervisor.Options{
		Launcher:    launcher,
		Logs:        a.Logs,
		Events:      a.Bus,
		History:     a.History,
		SettleDelay: cfg.Supervisor.SettleDelay,
		StopGrace:   cfg.Supervisor.StopGrace,
		ReaderGrace: cfg.Supervisor.ReaderGrace,
		Logger:      log,
	})

	if cfg.Watchdog.Enabled {
		a.Watchdog = watchdog.New(a.Supervisor, watchdog.Options{
			Interval:    cfg.Watchdog.Interval,
			Cooldown:    cfg.Watchdog.Cooldown,
			StopGrace:   cfg.Supervisor.StopGrace,
			ReactOnExit: cfg.Watchdog.ReactOnExit,
			Subscribe:   a.Bus.Subscribe,
			Events:      a.Bus,
			Logger:      log,
		})
	}

	if cfg.Server.Enabled {
		opts := server.Options{
			BasePath:   cfg.Server.BasePath,
			Supervisor: a.Supervisor,
			Logs:       a.Logs,
			Settings:   a.Settings,
			Subscribe:  a.Bus.Subscribe,
			Token:      cfg.Server.Token,
			StopGrace:  cfg.Supervisor.StopGrace,
			Logger:     log,
		}
		if a.historyReader != nil {
			opts.History = a.historyReader
		}
		if cfg.Metrics.Enabled {
			opts.Metrics = metrics.Handler()
		}
		a.srv = server.NewServer(cfg.Server.Listen, opts, tlsCfg)
	}
	return a, nil
}

// projectName names the child's log file after the archive of the current
// or most recent run, falling back to the stored settings.
func (a *App) projectName() string {
	if cfg, ok := a.Supervisor.LastConfig(); ok {
		return logger.ProjectName(cfg.ExecutablePath)
	}
	cfg, _ := a.Settings.Load()
	return logger.ProjectName(cfg.ExecutablePath)
}

// LockPath is the instance lock; by default it sits next to the settings file.
func (a *App) LockPath() string {
	if a.cfg.Settings.LockFile != "" {
		return a.cfg.Settings.LockFile
	}
	return filepath.Join(filepath.Dir(a.Settings.Path()), lockFileName)
}

// Ready is closed once Run has taken the lock and the server is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr is the control server's bound address, empty when it is disabled.
func (a *App) Addr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Run starts the background components and blocks until ctx is done or the
// control server fails, then shuts everything down. A second launcher for
// the same settings gets process.ErrLocked.
func (a *App) Run(ctx context.Context) error {
	info := process.PIDInfo{Name: appName, StartedAt: time.Now().UTC()}
	if a.srv != nil {
		info.APIAddr = a.cfg.Server.Listen
	}
	release, owner, err := process.AcquirePIDFile(a.LockPath(), info)
	if err != nil {
		if errors.Is(err, process.ErrLocked) {
			return fmt.Errorf("another launcher is running (pid %d): %w", owner, err)
		}
		return fmt.Errorf("instance lock: %w", err)
	}
	defer release()

	sched := a.Logs.Start(ctx)

	bg, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup
	if a.Watchdog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Watchdog.Run(bg)
		}()
	}

	serveErr := make(chan error, 1)
	if a.srv != nil {
		ln, err := net.Listen("tcp", a.srv.Addr)
		if err != nil {
			cancelBg()
			wg.Wait()
			a.shutdown(sched)
			return fmt.Errorf("listen %s: %w", a.srv.Addr, err)
		}
		a.addrMu.Lock()
		a.addr = ln.Addr().String()
		a.addrMu.Unlock()
		// Streaming requests end with bg instead of holding Shutdown open.
		a.srv.BaseContext = func(net.Listener) context.Context { return bg }
		go func() {
			var err error
			if a.srv.TLSConfig != nil {
				err = a.srv.ServeTLS(ln, "", "")
			} else {
				err = a.srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		a.logger.Info("control server listening", "addr", a.Addr(), "tls", a.srv.TLSConfig != nil, "base_path", a.cfg.Server.BasePath)
	}
	close(a.ready)

	if a.cfg.Supervisor.AutoStart {
		a.autoStart(bg)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down", "cause", context.Cause(ctx))
	case runErr = <-serveErr:
		a.logger.Error("control server failed", "error", runErr)
	}

	cancelBg()
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		_ = a.srv.Shutdown(sctx)
		cancel()
	}
	wg.Wait()
	if a.Watchdog != nil {
		a.Watchdog.Wait()
	}
	a.shutdown(sched)
	return runErr
}

func (a *App) autoStart(ctx context.Context) {
	cfg, err := a.Settings.Load()
	if err != nil {
		a.logger.Warn("autostart: settings unreadable", "error", err)
	}
	if !cfg.HasExecutable() {
		a.logger.Info("autostart skipped: no executable configured", "path", cfg.ExecutablePath)
		return
	}
	result := a.Supervisor.StartAsync(ctx, cfg)
	go func() {
		if err := <-result; err != nil {
			a.logger.Error("autostart failed", "error", err)
		}
	}()
}

// shutdown stops the child and drains everything that holds buffered data.
func (a *App) shutdown(sched *logpipe.Scheduler) {
	grace := a.cfg.Supervisor.StopGrace + a.cfg.Supervisor.ReaderGrace + shutdownWindow
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Supervisor.Shutdown(ctx); err != nil {
		a.logger.Warn("supervisor shutdown", "error", err)
	}
	sched.Stop()
	a.Logs.Flush()
	a.closeSinks()
}

func (a *App) closeSinks() {
	if a.released {
		return
	}
	a.released = true
	a.Bus.Close()
	if err := a.History.Close(); err != nil {
		a.logger.Warn("history close", "error", err)
	}
	if a.tee != nil {
		if err := a.tee.Close(); err != nil {
			a.logger.Warn("log file close", "error", err)
		}
	}
}

// Package daemon runs the stepwise background process: it owns the plan
// store, serves the CLI over a Unix domain socket, and watches the data
// directory for external modification.
package daemon

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hmori/stepwise/internal/adapter"
	"github.com/hmori/stepwise/internal/engine"
	"github.com/hmori/stepwise/internal/events"
	"github.com/hmori/stepwise/internal/executor"
	"github.com/hmori/stepwise/internal/lock"
	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/planner"
	"github.com/hmori/stepwise/internal/store"
	"github.com/hmori/stepwise/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// PlansFileName is the plan store file inside the .stepwise directory.
const PlansFileName = "plans.json"

// Daemon is the long-lived stepwise process.
type Daemon struct {
	stepwiseDir string
	config      model.Config
	logLevel    LogLevel
	logger      *log.Logger
	logFile     io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	store    *store.Store
	engine   *engine.Engine
	bus      *events.Bus
	audit    *events.AuditLogger
	detach   func()
	wg       sync.WaitGroup
	done     chan struct{}
	shutdown sync.Once
}

// New opens the daemon log and builds a daemon rooted at stepwiseDir.
func New(stepwiseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(stepwiseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(stepwiseDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(stepwiseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	server := uds.NewServer(filepath.Join(stepwiseDir, uds.DefaultSocketName), log.New(w, "", log.LstdFlags))
	if cfg.Daemon.ConnTimeoutSec > 0 {
		server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)
	}

	return &Daemon{
		stepwiseDir: stepwiseDir,
		config:      cfg,
		logLevel:    parseLogLevel(cfg.Logging.Level),
		logger:      log.New(w, "", 0),
		logFile:     closer,
		fileLock:    lock.NewFileLock(filepath.Join(stepwiseDir, "locks", "daemon.lock")),
		server:      server,
		done:        make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	if err := d.initComponents(); err != nil {
		d.cleanup()
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(d.stepwiseDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.stepwiseDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.stepwiseDir, uds.DefaultSocketName))

	d.wg.Add(1)
	go d.watchLoop()

	d.log(LogLevelInfo, "daemon ready, %d plans loaded", len(d.store.List()))
	d.waitSignals()
	return nil
}

// initComponents builds the store, event plumbing, and engine.
func (d *Daemon) initComponents() error {
	st, err := store.Open(filepath.Join(d.stepwiseDir, PlansFileName))
	if err != nil {
		return fmt.Errorf("open plan store: %w", err)
	}
	d.store = st
	if err := d.recoverInterrupted(); err != nil {
		return fmt.Errorf("recover interrupted plans: %w", err)
	}

	d.bus = events.NewBus(0)
	maxAudit := int64(d.config.Logging.MaxLogSizeMB) * 1024 * 1024
	audit, err := events.NewAuditLogger(filepath.Join(d.stepwiseDir, "logs", "audit.jsonl"), maxAudit)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.detach = audit.Attach(d.bus)

	var tr adapter.Translator = adapter.NewHTTPTranslator(
		d.config.Translator.Endpoint,
		d.config.Translator.AuthToken,
		time.Duration(d.config.Translator.TimeoutSec)*time.Second,
	)
	tr = adapter.NewDeduped(tr)

	runner := adapter.NewShellRunner(d.config.Executor.Shell, nil)

	componentLogger := log.New(d.logger.Writer(), "", log.LstdFlags)
	pl := planner.New(st, tr, planner.Options{
		SimpleVerbs: d.config.Planner.SimpleVerbs,
		MaxSteps:    d.config.Planner.MaxSteps,
		Bus:         d.bus,
		Logger:      componentLogger,
	})
	ex := executor.New(st, runner, executor.Options{
		CommandTimeout: time.Duration(d.config.Executor.CommandTimeoutSec) * time.Second,
		Bus:            d.bus,
		Logger:         componentLogger,
	})
	d.engine = engine.New(st, pl, ex, d.bus, componentLogger)
	return nil
}

// recoverInterrupted repairs plans left mid-flight by a previous process.
// A plan persisted as running has no executor behind it anymore; marking
// it failed makes it resumable and rollback-eligible instead of stuck.
func (d *Daemon) recoverInterrupted() error {
	for _, p := range d.store.List() {
		if p.Status != model.PlanRunning {
			continue
		}
		err := d.store.Update(p.ID, func(plan *model.ExecutionPlan) error {
			plan.Status = model.PlanFailed
			plan.FailureReason = "interrupted by process exit"
			for _, s := range plan.Steps {
				if s.Status != model.StepRunning {
					continue
				}
				s.Status = model.StepFailed
				if s.CompletedAt == nil {
					now := time.Now().UTC()
					s.CompletedAt = &now
				}
				if s.Result == nil {
					s.Result = &model.StepResult{ExitCode: -1, Stderr: "interrupted by process exit"}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		d.log(LogLevelWarn, "plan %s was running at last shutdown, marked failed", p.ID)
	}
	return nil
}

// watchLoop reloads the store when something other than this daemon
// rewrites the plans file. The store is single-owner; an external write
// is worth a warning, not a crash.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()

	plansPath := filepath.Join(d.stepwiseDir, PlansFileName)
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != plansPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// The store's own atomic rename lands here too; recent
			// writes by this process are not external.
			if time.Since(d.store.LastWrite()) < 2*time.Second {
				continue
			}
			d.log(LogLevelWarn, "plans file modified externally, reloading")
			if err := d.store.Reload(); err != nil {
				d.log(LogLevelError, "reload plan store: %v", err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		close(d.done)
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}

		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(30 * time.Second):
			d.log(LogLevelWarn, "shutdown timeout, some operations may be incomplete")
		}

		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.detach != nil {
		d.detach()
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	_ = os.Remove(filepath.Join(d.stepwiseDir, uds.DefaultSocketName))
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

// Package cmd implements the dhcpd command line entry points.
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"grimm.is/dhcpd/internal/config"
	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/server"
)

// daemonEnv marks the re-executed background child so it does not
// fork again.
const daemonEnv = "DHCPD_DAEMON"

// ServeOptions are the serve command's flags.
type ServeOptions struct {
	ConfigFile string
	Daemon     bool
	PIDFile    string
	LogFile    string
	Verbose    bool
}

// RunServe loads the configuration and runs the daemon until SIGINT
// or SIGTERM. SIGHUP reloads the configuration in place.
func RunServe(opt ServeOptions) error {
	cfg, err := config.LoadFile(opt.ConfigFile)
	if err != nil {
		return err
	}

	if opt.Daemon && os.Getenv(daemonEnv) == "" {
		return daemonize(opt)
	}

	logFile := opt.LogFile
	if logFile == "" {
		logFile = cfg.Server.LogFile
	}
	log, closeLog, err := setupLogging(cfg, logFile, opt.Verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	if opt.PIDFile != "" {
		if err := writePIDFile(opt.PIDFile); err != nil {
			return err
		}
		defer os.Remove(opt.PIDFile)
	}

	srv, err := server.New(cfg, server.Options{Log: log})
	if err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := srv.Reload(opt.ConfigFile); err != nil {
				log.Error("Reload failed, keeping previous configuration", "error", err)
			}
			continue
		}
		log.Info("Shutting down", "signal", sig.String())
		return nil
	}
	return nil
}

// daemonize re-executes the binary detached from the terminal. The
// child sees daemonEnv set and serves in the foreground of its own
// session.
func daemonize(opt ServeOptions) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	fmt.Printf("dhcpd started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func setupLogging(cfg *config.Config, logFile string, verbose bool) (*logging.Logger, func(), error) {
	lc := logging.DefaultConfig()
	if verbose {
		lc.Level = logging.LevelDebug
	}
	if !cfg.Server.LoggingEnabled() {
		lc.Level = logging.LevelError
	}

	closeFn := func() {}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		lc.Output = f
		closeFn = func() { f.Close() }
	}

	log := logging.New(lc)
	logging.SetDefault(log)
	return log, closeFn, nil
}

func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if p, err := os.FindProcess(pid); err == nil && p.Signal(syscall.Signal(0)) == nil {
				return fmt.Errorf("already running (pid %d)", pid)
			}
		}
		os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Package daemon manages the background broker server process: the PID
// file under ~/.2kc, stale-PID detection, and detaching the server by
// re-executing the current binary in its own session.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/twokc/2kc/internal/broker/config"
)

const (
	pidFileName = "server.pid"
	logFileName = "server.log"

	stopPollInterval = 100 * time.Millisecond
	stopWait         = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start when a live server holds the PID
// file.
var ErrAlreadyRunning = errors.New("daemon: server is already running")

// ErrNotRunning is returned by Stop when no live server is found.
var ErrNotRunning = errors.New("daemon: server is not running")

// PIDPath returns the PID file location.
func PIDPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

// LogPath returns the server log file location.
func LogPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logFileName), nil
}

// ReadPID parses the PID file.  A trailing newline is tolerated.
func ReadPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// WritePID records the given pid.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("daemon: create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	return nil
}

// Status returns the live server PID, or 0 when none runs.  A PID file
// pointing at a dead process is stale and removed.
func Status(pidPath string) (int, bool) {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return 0, false
	}
	if processAlive(pid) {
		return pid, true
	}
	_ = os.Remove(pidPath)
	return 0, false
}

// processAlive probes the pid with the zero signal.  EPERM means the
// process exists but belongs to someone else; treat it as alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Start detaches a new server process by re-executing the current binary
// with --foreground in its own session, wiring its output to the server
// log.  Returns the child PID.
func Start(configPath string) (int, error) {
	pidPath, err := PIDPath()
	if err != nil {
		return 0, err
	}
	if pid, running := Status(pidPath); running {
		return pid, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	logPath, err := LogPath()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("daemon: create directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("daemon: open server log: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: locate executable: %w", err)
	}

	args := []string{"server", "start", "--foreground"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start server process: %w", err)
	}
	pid := cmd.Process.Pid
	if err := WritePID(pidPath, pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}
	// The child outlives us; release it so it is not reaped here.
	_ = cmd.Process.Release()
	return pid, nil
}

// Stop terminates the running server with SIGTERM, waits for it to exit,
// and clears the PID file.
func Stop() error {
	pidPath, err := PIDPath()
	if err != nil {
		return err
	}
	pid, running := Status(pidPath)
	if !running {
		return ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			_ = os.Remove(pidPath)
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	// Escalate. The server had its chance to shut down cleanly.
	_ = syscall.Kill(pid, syscall.SIGKILL)
	_ = os.Remove(pidPath)
	return nil
}

package daemon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/twokc/2kc/internal/broker/daemon"
)

func TestWriteAndReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	if err := daemon.WritePID(path, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := daemon.ReadPID(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected 4242, got %d", pid)
	}
}

func TestReadPID_ToleratesMissingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	if err := os.WriteFile(path, []byte("77"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := daemon.ReadPID(path)
	if err != nil || pid != 77 {
		t.Fatalf("expected 77, got %d (%v)", pid, err)
	}
}

func TestReadPID_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := daemon.ReadPID(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestStatus_LivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	if err := daemon.WritePID(path, os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, running := daemon.Status(path)
	if !running || pid != os.Getpid() {
		t.Fatalf("expected own pid to be alive, got %d/%v", pid, running)
	}
}

func TestStatus_StalePIDIsReaped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.pid")
	// PIDs near the kernel maximum are almost certainly unused.
	if err := daemon.WritePID(path, 4194300); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, running := daemon.Status(path); running {
		t.Fatal("expected stale pid to be reported dead")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("stale pid file must be removed")
	}
}

func TestStatus_NoFile(t *testing.T) {
	if _, running := daemon.Status(filepath.Join(t.TempDir(), "server.pid")); running {
		t.Fatal("missing pid file must mean not running")
	}
}

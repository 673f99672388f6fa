package execlock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PIDFile is the daemon's single-instance guard: a pid file held under
// flock(2). The lock lives as long as the descriptor stays open; it sits
// below the process and advisory tiers and prevents two warden daemons
// from enforcing over the same host.
type PIDFile struct {
	path string
	f    *os.File
}

// AcquirePIDFile takes an exclusive non-blocking flock at path and records
// the current pid. Contention returns an error immediately.
func AcquirePIDFile(path string) (*PIDFile, error) {
	if path == "" {
		return nil, fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	cleanup := func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another warden instance holds %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		cleanup()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		cleanup()
		return nil, fmt.Errorf("seek pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		cleanup()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("sync pid file: %w", err)
	}

	return &PIDFile{path: path, f: f}, nil
}

// Path returns the pid file location.
func (p *PIDFile) Path() string { return p.path }

// Release drops the flock and closes the file. Safe on nil and after a
// prior Release.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	err := p.f.Close()
	p.f = nil
	return err
}

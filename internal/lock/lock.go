// Package lock guarantees a single gymchatd per session directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the session directory.
const FileName = "LOCK"

// HeldError is returned when another daemon owns the session.
type HeldError struct {
	Owner Info
	Path  string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session in use by gymchatd pid %d since %s (%s)",
		e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Info describes the process recorded in a lock file.
type Info struct {
	PID   int
	Since time.Time
}

// Lock is an acquired session lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive flock on dir/LOCK and records the current pid.
// It fails with *HeldError when another process holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := Read(dir)
		_ = f.Close()
		return nil, &HeldError{Owner: owner, Path: path}
	}

	record := fmt.Sprintf("pid=%d\nsince=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeAt0(f, record); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

func writeAt0(f *os.File, s string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.WriteAt([]byte(s), 0)
	return err
}

// Read parses the lock file in dir without taking the lock.
func Read(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Info{}, err
	}
	var info Info
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "since":
			info.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	if info.PID == 0 {
		return info, errors.New("lock file has no pid")
	}
	return info, nil
}

// Release drops the lock and removes the file. Safe on a nil receiver and
// safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

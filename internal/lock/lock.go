package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Info is what the holder advertises in the lock file so that control
// tools can find the running daemon.
type Info struct {
	PID     int
	Started time.Time
	APIAddr string
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
	info Info
}

// Acquire takes an exclusive flock on the session directory and records
// info in it. Returns *HeldError if another process already holds it.
func Acquire(sessionDir string, info Info) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, fileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		held, _ := Read(sessionDir)
		_ = f.Close()
		return nil, &HeldError{PID: held.PID, Path: lockPath}
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	if err := rewrite(f, format(info)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: lockPath, info: info}, nil
}

// Advertise records the address the control API is listening on.
func (l *Lock) Advertise(apiAddr string) error {
	l.info.APIAddr = apiAddr
	return rewrite(l.file, format(l.info))
}

// Read returns the info recorded in a session's lock file, whether or not
// the lock is currently held.
func Read(sessionDir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, fileName))
	if err != nil {
		return Info{}, err
	}
	return parse(string(data)), nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale file outlives the holder.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func rewrite(f *os.File, content string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := f.WriteString(content)
	return err
}

func format(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", info.PID)
	fmt.Fprintf(&b, "time=%s\n", info.Started.UTC().Format(time.RFC3339))
	if info.APIAddr != "" {
		fmt.Fprintf(&b, "api=%s\n", info.APIAddr)
	}
	return b.String()
}

func parse(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "time":
			info.Started, _ = time.Parse(time.RFC3339, value)
		case "api":
			info.APIAddr = value
		}
	}
	return info
}

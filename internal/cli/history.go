package cli

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

const (
	// historyLimit is the number of lines kept in the history file.
	historyLimit = 1000

	historyLockTimeout = 2 * time.Second
	historyFilePerms   = 0o600
)

var errHistoryLockTimeout = errors.New("history lock timeout")

// historyLock is an exclusive flock on a history file's .lock sidecar.
type historyLock struct {
	file *os.File
}

// lockHistory acquires the lock for path, retrying until timeout.
func lockHistory(path string, timeout time.Duration) (*historyLock, error) {
	file, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, historyFilePerms) //nolint:gosec // path is from config
	if err != nil {
		return nil, fmt.Errorf("open history lock: %w", err)
	}

	deadline := time.Now().Add(timeout)

	const retryInterval = 10 * time.Millisecond

	for {
		flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &historyLock{file: file}, nil
		}

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", errHistoryLockTimeout, path)
		}

		time.Sleep(retryInterval)
	}
}

func (l *historyLock) release() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}

// readHistoryLines returns the lines of the history file at path. A missing
// file has no lines.
func readHistoryLines(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read history: %w", err)
	}

	var lines []string

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}

	return lines, sc.Err()
}

// loadHistory feeds the history file at path to dst.
func loadHistory(path string, dst interface{ ReadHistory(r io.Reader) (int, error) }) error {
	lines, err := readHistoryLines(path)
	if err != nil || len(lines) == 0 {
		return err
	}

	_, err = dst.ReadHistory(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	return nil
}

// saveHistory appends session to the history file at path, keeping the last
// [historyLimit] lines. Concurrent shells serialize on the lock and each
// adds only its own lines, so none are lost.
func saveHistory(path string, session []string) error {
	if path == "" || len(session) == 0 {
		return nil
	}

	lock, err := lockHistory(path, historyLockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	lines, err := readHistoryLines(path)
	if err != nil {
		return err
	}

	lines = append(lines, session...)
	if len(lines) > historyLimit {
		lines = lines[len(lines)-historyLimit:]
	}

	err = atomic.WriteFile(path, strings.NewReader(strings.Join(lines, "\n")+"\n"))
	if err != nil {
		return fmt.Errorf("write history: %w", err)
	}

	return nil
}

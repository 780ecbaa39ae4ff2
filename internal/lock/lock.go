// Package lock provides the single-instance lock guarding a project's
// .evonest/ directory. The lock is a file created exclusively (a hard
// link that fails if the name exists) whose body records the holder's
// identity; a dead holder's lock is reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
)

// holderInfo is the lock file body.
type holderInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held project lock.
type Lock struct {
	path   string
	logger *logging.Logger

	mu       sync.Mutex
	released bool
	sigCh    chan os.Signal
	onSignal func(os.Signal)
}

// Option configures acquisition.
type Option func(*Lock)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(lk *Lock) { lk.logger = l }
}

// WithSignalHandler registers a callback invoked when SIGINT/SIGTERM
// arrives while the lock is held. The lock is released before the
// callback runs.
func WithSignalHandler(fn func(os.Signal)) Option {
	return func(lk *Lock) { lk.onSignal = fn }
}

// Acquire takes the lock at path. If a live process holds it, LockHeld
// is returned; a lock left by a dead process is reclaimed.
func Acquire(path string, opts ...Option) (*Lock, error) {
	lk := &Lock{
		path:   path,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(lk)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}

	if err := lk.tryCreate(); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		stale, holder, herr := lk.holderDead()
		if herr != nil {
			return nil, herr
		}
		if !stale {
			return nil, core.ErrLockHeld(
				fmt.Sprintf("another instance is running (pid %d since %s)",
					holder.PID, holder.StartedAt.Format(time.RFC3339)))
		}
		lk.logger.Warn("reclaiming stale lock", "pid", holder.PID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err := lk.tryCreate(); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, core.ErrLockHeld("lost race reclaiming stale lock")
			}
			return nil, err
		}
	}

	lk.installSignalHandler()
	lk.logger.Debug("lock acquired", "path", path)
	return lk, nil
}

// tryCreate creates the lock file exclusively and writes holder info.
func (lk *Lock) tryCreate() error {
	// The body goes into a private temp file that is then hard-linked to
	// the lock path. os.Link fails with ErrExist when the lock path is
	// taken, so creation stays exclusive, and the lock file never exists
	// without its holder info.
	f, err := os.CreateTemp(filepath.Dir(lk.path), ".lock-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	hostname, _ := os.Hostname()
	info := holderInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Link(f.Name(), lk.path)
}

// holderDead inspects the existing lock and reports whether its recorded
// process is gone. An unreadable or corrupt lock file counts as stale:
// whatever wrote it did not complete, and no live holder can be
// identified.
func (lk *Lock) holderDead() (bool, *holderInfo, error) {
	data, err := os.ReadFile(lk.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, &holderInfo{}, nil
		}
		return false, nil, err
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		lk.logger.Warn("lock file unreadable, treating as stale", "error", err)
		return true, &holderInfo{}, nil
	}
	if info.PID <= 0 {
		return true, &info, nil
	}
	alive, err := process.PidExists(int32(info.PID))
	if err != nil {
		// Process table unavailable: refuse rather than clobber a
		// possibly-live holder.
		return false, &info, core.ErrLockHeld(
			fmt.Sprintf("cannot verify lock holder pid %d", info.PID)).WithCause(err)
	}
	return !alive, &info, nil
}

// installSignalHandler releases the lock on SIGINT/SIGTERM and then runs
// the registered callback (which typically exits).
func (lk *Lock) installSignalHandler() {
	lk.sigCh = make(chan os.Signal, 1)
	signal.Notify(lk.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-lk.sigCh
		if !ok {
			return
		}
		lk.logger.Info("signal received, releasing lock", "signal", sig.String())
		_ = lk.Release()
		if lk.onSignal != nil {
			lk.onSignal(sig)
		} else {
			os.Exit(130)
		}
	}()
}

// Release removes the lock file. Safe to call more than once.
func (lk *Lock) Release() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.released {
		return nil
	}
	lk.released = true
	if lk.sigCh != nil {
		signal.Stop(lk.sigCh)
		close(lk.sigCh)
	}
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	lk.logger.Debug("lock released", "path", lk.path)
	return nil
}

// Held reports whether this process still holds the lock file (used to
// detect lock loss between cycles).
func (lk *Lock) Held() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if lk.released {
		return false
	}
	data, err := os.ReadFile(lk.path)
	if err != nil {
		return false
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return false
	}
	return info.PID == os.Getpid()
}

package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

const (
	// defaultLockTimeout bounds how long Update waits for a contended lock.
	defaultLockTimeout = 10 * time.Second

	// defaultLockStale is the age past which a leftover lock file from a
	// dead process is evicted.
	defaultLockStale = 30 * time.Second

	// lockPollInterval is the fixed polling cadence while contended.
	lockPollInterval = 50 * time.Millisecond
)

// fileLock is a cooperative inter-process lock at <file>.lock. The lock file
// holds an owner token and pid for diagnosing stale locks.
type fileLock struct {
	path  string
	token string
}

// acquireFileLock takes the lock at path. Contended locks are polled at a
// fixed interval; lock files older than stale are evicted; acquisition fails
// with ErrLockTimeout after timeout.
func acquireFileLock(ctx context.Context, path string, timeout, stale time.Duration) (*fileLock, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	token := uuid.NewString()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%s %d\n", token, os.Getpid())
			f.Close()
			metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
			return &fileLock{path: path, token: token}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		// Evict locks abandoned by dead processes.
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > stale {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			metrics.LockTimeoutsTotal.Inc()
			return nil, fmt.Errorf("lock %s held for over %s: %w", path, timeout, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// release removes the lock file.
func (l *fileLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

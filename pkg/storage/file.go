package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yunfeilu92/openclaw/pkg/log"
	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// FileBackend stores values as JSON files and transcripts as JSONL files
// under <baseDir>/<namespace>/. Writes are atomic on POSIX via temp file +
// rename; appends rely on O_APPEND. Update takes a cooperative inter-process
// lock at <file>.lock.
type FileBackend struct {
	baseDir     string
	cache       *valueCache
	lockTimeout time.Duration
	lockStale   time.Duration
	logger      zerolog.Logger
}

// FileOptions configures a FileBackend.
type FileOptions struct {
	// BaseDir is the storage root. Empty uses the user state directory.
	BaseDir string

	// CacheEnabled turns the per-process value cache on.
	CacheEnabled bool

	// CacheTTL is the validity window for cached values.
	CacheTTL time.Duration

	// LockTimeout bounds Update lock acquisition. Zero uses the default 10s.
	LockTimeout time.Duration

	// LockStale is the age past which a leftover lock is evicted. Zero uses 30s.
	LockStale time.Duration
}

// DefaultBaseDir returns the user-state directory for local storage:
// $XDG_STATE_HOME/openclaw/storage, falling back to ~/.local/state.
func DefaultBaseDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "openclaw", "storage")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "openclaw", "storage")
	}
	return filepath.Join(home, ".local", "state", "openclaw", "storage")
}

// NewFileBackend creates a filesystem-backed storage backend.
func NewFileBackend(opts FileOptions) *FileBackend {
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	var cache *valueCache
	if opts.CacheEnabled {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 45 * time.Second
		}
		cache = newValueCache(ttl)
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	lockStale := opts.LockStale
	if lockStale <= 0 {
		lockStale = defaultLockStale
	}
	return &FileBackend{
		baseDir:     baseDir,
		cache:       cache,
		lockTimeout: lockTimeout,
		lockStale:   lockStale,
		logger:      log.Backend(BackendFile),
	}
}

// Type returns the backend tag.
func (b *FileBackend) Type() string { return BackendFile }

// IsDistributed reports false; writes are visible on this host only.
func (b *FileBackend) IsDistributed() bool { return false }

// Initialize creates the base directory and one subdirectory per namespace.
func (b *FileBackend) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, ns := range Namespaces() {
		if err := os.MkdirAll(filepath.Join(b.baseDir, string(ns)), 0700); err != nil {
			return fmt.Errorf("create namespace dir %s: %w", ns, err)
		}
	}
	return nil
}

// Close releases nothing; file handles are not held between operations.
func (b *FileBackend) Close() error { return nil }

// BaseDir returns the storage root.
func (b *FileBackend) BaseDir() string { return b.baseDir }

func (b *FileBackend) valuePath(ns Namespace, key string) string {
	return filepath.Join(b.baseDir, string(ns), SanitizeKey(key)+".json")
}

func (b *FileBackend) logPath(ns Namespace, key string) string {
	return filepath.Join(b.baseDir, string(ns), SanitizeKey(key)+".jsonl")
}

// TranscriptPath returns the on-disk JSONL path a transcript key maps to,
// for building file-form transcript locations.
func (b *FileBackend) TranscriptPath(key string) string {
	return b.logPath(NamespaceTranscripts, key)
}

// Get returns the stored value for key, consulting the cache when the
// on-disk mtime still matches.
func (b *FileBackend) Get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	start := time.Now()
	value, ok, err := b.get(ctx, ns, key)
	metrics.ObserveOp(BackendFile, "get", start, err)
	return value, ok, err
}

func (b *FileBackend) get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	path := b.valuePath(ns, key)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	}
	mtimeMs := info.ModTime().UnixMilli()

	if v, ok := b.cache.get(path, mtimeMs); ok {
		return v, true, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, ErrCorruption)
	}
	b.cache.put(path, value, mtimeMs)
	return value, true, nil
}

// Set persists value as indented JSON, atomically on POSIX.
func (b *FileBackend) Set(ctx context.Context, ns Namespace, key string, value any) error {
	start := time.Now()
	err := b.set(ctx, ns, key, value)
	metrics.ObserveOp(BackendFile, "set", start, err)
	return err
}

func (b *FileBackend) set(ctx context.Context, ns Namespace, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.valuePath(ns, key)
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode value for %s/%s: %w", ns, key, ErrInvalidArgument)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	b.cache.invalidate(path)
	return nil
}

// writeFileAtomic writes via temp file + rename with 0600 permissions.
// Windows gets a plain write; rename-over-existing is not atomic there.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if runtime.GOOS == "windows" {
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Delete removes both the value file and any log file for key.
func (b *FileBackend) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	start := time.Now()
	existed, err := b.delete(ctx, ns, key)
	metrics.ObserveOp(BackendFile, "delete", start, err)
	return existed, err
}

func (b *FileBackend) delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	existed := false
	for _, path := range []string{b.valuePath(ns, key), b.logPath(ns, key)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			existed = true
		case os.IsNotExist(err):
		default:
			return existed, fmt.Errorf("remove %s: %w", path, err)
		}
	}
	b.cache.invalidate(b.valuePath(ns, key))
	return existed, nil
}

// List enumerates keys in the namespace directory whose sanitized form
// begins with prefix. A key present as both .json and .jsonl appears once.
func (b *FileBackend) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := b.list(ctx, ns, prefix)
	metrics.ObserveOp(BackendFile, "list", start, err)
	return keys, err
}

func (b *FileBackend) list(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(b.baseDir, string(ns))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	seen := make(map[string]bool)
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var key string
		switch {
		case strings.HasSuffix(name, ".json"):
			key = strings.TrimSuffix(name, ".json")
		case strings.HasSuffix(name, ".jsonl"):
			key = strings.TrimSuffix(name, ".jsonl")
		default:
			continue
		}
		if !strings.HasPrefix(key, prefix) || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// Update applies fn under the inter-process file lock, re-reading the value
// after the lock is held so concurrent updates serialize.
func (b *FileBackend) Update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	start := time.Now()
	next, err := b.update(ctx, ns, key, fn)
	metrics.ObserveOp(BackendFile, "update", start, err)
	return next, err
}

func (b *FileBackend) update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	path := b.valuePath(ns, key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}

	lock, err := acquireFileLock(ctx, path+".lock", b.lockTimeout, b.lockStale)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.release(); rerr != nil {
			b.logger.Warn().Err(rerr).Str("key", key).Msg("failed to release file lock")
		}
	}()

	// Re-read under the lock; the cache may be stale against a concurrent writer.
	b.cache.invalidate(path)
	current, exists, err := b.get(ctx, ns, key)
	if err != nil {
		return nil, err
	}

	next, remove := fn(current, exists)
	if remove {
		if _, err := b.delete(ctx, ns, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := b.set(ctx, ns, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Append adds one line to the key's log file. O_APPEND writes of a single
// line up to PIPE_BUF are atomic on POSIX.
func (b *FileBackend) Append(ctx context.Context, ns Namespace, key, line string) error {
	start := time.Now()
	err := b.append(ctx, ns, key, line)
	metrics.ObserveOp(BackendFile, "append", start, err)
	return err
}

func (b *FileBackend) append(ctx context.Context, ns Namespace, key, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.logPath(ns, key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// ReadLines reads the whole log file once and yields non-blank lines in
// chronological order. Missing files yield an empty sequence.
func (b *FileBackend) ReadLines(ctx context.Context, ns Namespace, key string) iter.Seq2[string, error] {
	path := b.logPath(ns, key)
	return func(yield func(string, error) bool) {
		start := time.Now()
		if err := ctx.Err(); err != nil {
			yield("", err)
			return
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			metrics.ObserveOp(BackendFile, "readLines", start, nil)
			return
		}
		if err != nil {
			metrics.ObserveOp(BackendFile, "readLines", start, err)
			yield("", fmt.Errorf("read %s: %w", path, err))
			return
		}
		metrics.ObserveOp(BackendFile, "readLines", start, nil)
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSuffix(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// HealthCheck probes the base directory with a create/remove round trip.
func (b *FileBackend) HealthCheck(ctx context.Context) HealthResult {
	ctx, cancel := probeContext(ctx)
	defer cancel()

	start := time.Now()
	result := HealthResult{OK: true}
	if err := ctx.Err(); err != nil {
		result = HealthResult{Error: err.Error()}
	} else if err := os.MkdirAll(b.baseDir, 0700); err != nil {
		result = HealthResult{Error: err.Error()}
	} else {
		probe := filepath.Join(b.baseDir, ".health-"+uuid.NewString())
		if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
			result = HealthResult{Error: err.Error()}
		} else {
			_ = os.Remove(probe)
		}
	}
	result.Latency = time.Since(start)
	metrics.RecordProbe(BackendFile, result.OK, result.Latency, result.Error)
	return result
}

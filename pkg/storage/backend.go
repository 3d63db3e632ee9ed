package storage

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/yunfeilu92/openclaw/pkg/config"
)

// Namespace is one of the four logical keyspaces.
type Namespace string

const (
	NamespaceSessions    Namespace = config.NamespaceSessions
	NamespaceTranscripts Namespace = config.NamespaceTranscripts
	NamespaceAuth        Namespace = config.NamespaceAuth
	NamespaceConfig      Namespace = config.NamespaceConfig
)

// Namespaces returns the closed namespace set in a stable order.
func Namespaces() []Namespace {
	return []Namespace{NamespaceSessions, NamespaceTranscripts, NamespaceAuth, NamespaceConfig}
}

// ValidNamespace reports whether ns belongs to the closed set.
func ValidNamespace(ns Namespace) bool {
	switch ns {
	case NamespaceSessions, NamespaceTranscripts, NamespaceAuth, NamespaceConfig:
		return true
	}
	return false
}

// Backend type tags for capability advertisement and routing diagnostics.
const (
	BackendFile           = "file"
	BackendAgentCore      = "agentcore"
	BackendDynamoDB       = "dynamodb"
	BackendSecretsManager = "secrets-manager"
)

// Error kinds. NotFound never escapes the interface; it is normalized to an
// absent result. Everything else surfaces and is matched with errors.Is.
var (
	// ErrUnavailable indicates a transport failure or throttling. The layer
	// does not retry; retry policy belongs to the caller.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidArgument indicates a bad URI, unknown backend tag, or
	// malformed configuration.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLockTimeout indicates a file lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrUnsupported indicates the backend does not implement the operation,
	// e.g. Append on the secrets backend.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrCorruption indicates an unrecoverable blob decode failure.
	ErrCorruption = errors.New("corrupt stored record")
)

// Updater transforms the current value of a key under Update. exists reports
// whether the key currently holds a value. Returning remove=true deletes the
// key instead of writing next.
type Updater func(current any, exists bool) (next any, remove bool)

// HealthResult is the outcome of a bounded, side-effect-free backend probe.
type HealthResult struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latencyMs"`
	Error   string        `json:"error,omitempty"`
}

// MarshalJSON encodes Latency as whole milliseconds under latencyMs.
func (h HealthResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		OK        bool   `json:"ok"`
		LatencyMs int64  `json:"latencyMs"`
		Error     string `json:"error,omitempty"`
	}{h.OK, h.Latency.Milliseconds(), h.Error})
}

// Backend is the uniform contract over heterogeneous storage backends.
//
// Get never fails for missing keys; absence is the second return value.
// Values are JSON documents decoded into any (maps, slices, scalars); Set
// accepts anything JSON-serializable. Append and ReadLines operate on
// log-shaped keys and return ErrUnsupported on backends without logs.
type Backend interface {
	// Type returns the backend tag (file, agentcore, dynamodb, secrets-manager).
	Type() string

	// IsDistributed reports whether writes are visible to other hosts.
	IsDistributed() bool

	// Initialize prepares the backend for use. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases all resources.
	Close() error

	// Get returns the latest value for key, or ok=false if absent.
	Get(ctx context.Context, ns Namespace, key string) (value any, ok bool, err error)

	// Set persists value, overwriting any prior value.
	Set(ctx context.Context, ns Namespace, key string, value any) error

	// Delete removes key, reporting whether a value existed. Idempotent.
	Delete(ctx context.Context, ns Namespace, key string) (existed bool, err error)

	// List enumerates keys whose sanitized form begins with prefix.
	// Order is unspecified. Deleted and tombstoned keys are excluded.
	List(ctx context.Context, ns Namespace, prefix string) ([]string, error)

	// Update applies fn as an atomic read-modify-write and returns the
	// resulting value (nil when the updater removed the key).
	Update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error)

	// Append adds one record to a log-shaped key. line must not contain
	// embedded newlines; that is the caller's responsibility.
	Append(ctx context.Context, ns Namespace, key, line string) error

	// ReadLines returns a lazy, finite, restartable sequence of the records
	// under key. Missing keys yield an empty sequence.
	ReadLines(ctx context.Context, ns Namespace, key string) iter.Seq2[string, error]

	// HealthCheck probes the backend. Bounded and side-effect-free.
	HealthCheck(ctx context.Context) HealthResult
}

const (
	// defaultOpTimeout bounds every network call that arrives without a deadline.
	defaultOpTimeout = 10 * time.Second

	// healthProbeTimeout bounds health probes.
	healthProbeTimeout = 2 * time.Second
)

// opContext applies the default operation deadline when the caller has none.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

// probeContext bounds a health probe.
func probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, healthProbeTimeout)
}

// errLines is the sequence an unsupported or failed ReadLines yields.
func errLines(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yunfeilu92/openclaw/pkg/config"
	"github.com/yunfeilu92/openclaw/pkg/log"
	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// StorageService routes each namespace to the backend its classification and
// service mode demand. Backends are constructed lazily on first use,
// memoized, and closed together on Close.
type StorageService struct {
	cfg *config.Config

	mu        sync.Mutex
	file      *FileBackend
	agentcore *EventMemoryBackend
	dynamo    *DocumentDBBackend
	secrets   *SecretsBackend

	// initialized and initErr are keyed by backend tag.
	initialized map[string]bool
	initErr     map[string]error

	closed bool
	logger zerolog.Logger
}

// BackendSummary describes how one namespace resolves, for diagnostics.
type BackendSummary struct {
	Backend        string `json:"backend"`
	Classification string `json:"classification"`
}

// NewService creates a storage service from a validated configuration.
func NewService(cfg *config.Config) (*StorageService, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("storage config: %w: %v", ErrInvalidArgument, err)
	}
	return &StorageService{
		cfg:         cfg,
		initialized: make(map[string]bool),
		initErr:     make(map[string]error),
		logger:      log.Component("router"),
	}, nil
}

// Config returns the service configuration.
func (s *StorageService) Config() *config.Config { return s.cfg }

// Initialize always initializes the file backend, then attempts each
// configured cloud backend. A failing cloud init logs a warning and is
// recorded; the service continues, and the failure re-raises on first use
// of that backend.
func (s *StorageService) Initialize(ctx context.Context) error {
	if _, err := s.backendByTag(ctx, BackendFile); err != nil {
		return err
	}

	type cloudInit struct {
		tag        string
		configured bool
	}
	for _, c := range []cloudInit{
		{BackendAgentCore, s.cfg.AgentCore.MemoryArn != ""},
		{BackendDynamoDB, s.cfg.DynamoDB.TableName != ""},
		{BackendSecretsManager, s.cfg.SecretsManager.SecretArn != ""},
	} {
		if !c.configured {
			continue
		}
		if _, err := s.backendByTag(ctx, c.tag); err != nil {
			s.logger.Warn().Err(err).Str("backend", c.tag).
				Msg("cloud backend failed to initialize; continuing with degraded service")
		}
	}
	return nil
}

// GetBackend resolves the backend serving a namespace:
//
//  1. auth goes to the secrets backend when one is configured;
//  2. the namespace classification is resolved (override, else mode default);
//  3. hybrid cloud sessions prefer the document database, then event
//     memory, then file; hybrid cloud transcripts prefer event memory,
//     then file;
//  4. agentcore cloud namespaces go to event memory;
//  5. everything else goes to the file backend.
func (s *StorageService) GetBackend(ctx context.Context, ns Namespace) (Backend, error) {
	if !ValidNamespace(ns) {
		return nil, fmt.Errorf("unknown namespace %q: %w", ns, ErrInvalidArgument)
	}
	if s.isClosed() {
		return nil, fmt.Errorf("service is closed: %w", ErrInvalidArgument)
	}
	return s.backendByTag(ctx, s.resolveTag(ns))
}

// resolveTag applies the routing rules without constructing anything.
func (s *StorageService) resolveTag(ns Namespace) string {
	if ns == NamespaceAuth && s.cfg.SecretsManager.SecretArn != "" {
		return BackendSecretsManager
	}
	if s.cfg.Resolve(string(ns)) != config.ClassificationCloud {
		return BackendFile
	}
	switch s.cfg.Type {
	case config.ModeHybrid:
		if ns == NamespaceSessions {
			if s.cfg.DynamoDB.TableName != "" {
				return BackendDynamoDB
			}
			if s.cfg.AgentCore.MemoryArn != "" {
				return BackendAgentCore
			}
			return BackendFile
		}
		if ns == NamespaceTranscripts {
			if s.cfg.AgentCore.MemoryArn != "" {
				return BackendAgentCore
			}
			return BackendFile
		}
		return BackendFile
	case config.ModeAgentCore:
		return BackendAgentCore
	}
	return BackendFile
}

// backendByTag lazily constructs, initializes, and memoizes the backend for
// a tag. Construction or initialization failures are recorded and returned
// again on subsequent demands.
func (s *StorageService) backendByTag(ctx context.Context, tag string) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.initErr[tag]; ok {
		return nil, err
	}

	var backend Backend
	var err error
	switch tag {
	case BackendFile:
		if s.file == nil {
			enabled := s.cfg.CacheEnabled == nil || *s.cfg.CacheEnabled
			s.file = NewFileBackend(FileOptions{
				BaseDir:      s.cfg.BaseDir,
				CacheEnabled: enabled,
				CacheTTL:     time.Duration(s.cfg.CacheTTLMs) * time.Millisecond,
			})
		}
		backend = s.file
	case BackendAgentCore:
		if s.agentcore == nil {
			s.agentcore, err = NewEventMemoryBackendFromConfig(s.cfg.AgentCore)
		}
		backend = s.agentcore
	case BackendDynamoDB:
		if s.dynamo == nil {
			s.dynamo, err = NewDocumentDBBackendFromConfig(s.cfg.DynamoDB)
		}
		backend = s.dynamo
	case BackendSecretsManager:
		if s.secrets == nil {
			s.secrets = NewSecretsBackendFromConfig(s.cfg.SecretsManager)
		}
		backend = s.secrets
	default:
		return nil, fmt.Errorf("unknown backend tag %q: %w", tag, ErrInvalidArgument)
	}
	if err != nil {
		s.initErr[tag] = err
		return nil, err
	}

	if !s.initialized[tag] {
		if err := backend.Initialize(ctx); err != nil {
			err = fmt.Errorf("initialize %s backend: %w", tag, err)
			s.initErr[tag] = err
			return nil, err
		}
		s.initialized[tag] = true
	}
	return backend, nil
}

// GetConfigSummary reports, per namespace, the backend tag and
// classification the current configuration resolves to.
func (s *StorageService) GetConfigSummary() map[Namespace]BackendSummary {
	out := make(map[Namespace]BackendSummary, len(Namespaces()))
	for _, ns := range Namespaces() {
		out[ns] = BackendSummary{
			Backend:        s.resolveTag(ns),
			Classification: string(s.cfg.Resolve(string(ns))),
		}
	}
	return out
}

// HealthCheck probes the resolved backend of every namespace.
func (s *StorageService) HealthCheck(ctx context.Context) map[Namespace]HealthResult {
	out := make(map[Namespace]HealthResult, len(Namespaces()))
	for _, ns := range Namespaces() {
		backend, err := s.GetBackend(ctx, ns)
		if err != nil {
			out[ns] = HealthResult{Error: err.Error()}
			metrics.RecordProbe(s.resolveTag(ns), false, 0, err.Error())
			continue
		}
		result := backend.HealthCheck(ctx)
		out[ns] = result
	}
	return out
}

func (s *StorageService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases every materialized backend. The service cannot be reused.
func (s *StorageService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var backends []Backend
	if s.file != nil {
		backends = append(backends, s.file)
	}
	if s.agentcore != nil {
		backends = append(backends, s.agentcore)
	}
	if s.dynamo != nil {
		backends = append(backends, s.dynamo)
	}
	if s.secrets != nil {
		backends = append(backends, s.secrets)
	}

	var firstErr error
	for _, b := range backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	sharedMu sync.Mutex
	shared   *StorageService
)

// Shared returns the process-wide service, constructing and initializing it
// from cfg on first call. Library code should prefer an explicitly
// constructed and injected service; the singleton exists for entry points.
func Shared(ctx context.Context, cfg *config.Config) (*StorageService, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		return shared, nil
	}
	svc, err := NewService(cfg)
	if err != nil {
		return nil, err
	}
	if err := svc.Initialize(ctx); err != nil {
		return nil, err
	}
	shared = svc
	return shared, nil
}

// CloseShared closes and forgets the process-wide service.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}

// ResetShared forgets the process-wide service without closing it.
// Intended for tests.
func ResetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = nil
}

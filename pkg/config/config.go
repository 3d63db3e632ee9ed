package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects which backends serve cloud-classified namespaces.
type Mode string

const (
	ModeFile      Mode = "file"
	ModeAgentCore Mode = "agentcore"
	ModeHybrid    Mode = "hybrid"
)

// Classification decides whether a namespace lives on local disk or in the cloud.
type Classification string

const (
	ClassificationLocal Classification = "local"
	ClassificationCloud Classification = "cloud"
)

// The closed set of logical keyspaces.
const (
	NamespaceSessions    = "sessions"
	NamespaceTranscripts = "transcripts"
	NamespaceAuth        = "auth"
	NamespaceConfig      = "config"
)

// Namespaces returns the closed namespace set in a stable order.
func Namespaces() []string {
	return []string{NamespaceSessions, NamespaceTranscripts, NamespaceAuth, NamespaceConfig}
}

// Config is the storage service configuration. Unknown keys are rejected on load.
type Config struct {
	Type               Mode                 `yaml:"type" json:"type"`
	BaseDir            string               `yaml:"baseDir" json:"baseDir"`
	DataClassification ClassificationConfig `yaml:"dataClassification" json:"dataClassification"`
	AgentCore          AgentCoreConfig      `yaml:"agentcore" json:"agentcore"`
	DynamoDB           DynamoDBConfig       `yaml:"dynamodb" json:"dynamodb"`
	SecretsManager     SecretsManagerConfig `yaml:"secretsManager" json:"secretsManager"`
	CacheEnabled       *bool                `yaml:"cacheEnabled" json:"cacheEnabled"`
	CacheTTLMs         int                  `yaml:"cacheTtlMs" json:"cacheTtlMs"`
}

// ClassificationConfig carries per-namespace overrides of the mode defaults.
type ClassificationConfig struct {
	Sessions    Classification `yaml:"sessions" json:"sessions"`
	Transcripts Classification `yaml:"transcripts" json:"transcripts"`
	Auth        Classification `yaml:"auth" json:"auth"`
	Config      Classification `yaml:"config" json:"config"`
}

// AgentCoreConfig configures the cloud event-memory backend.
type AgentCoreConfig struct {
	MemoryArn       string `yaml:"memoryArn" json:"memoryArn"`
	Region          string `yaml:"region" json:"region"`
	NamespacePrefix string `yaml:"namespacePrefix" json:"namespacePrefix"`
}

// DynamoDBConfig configures the document database backend.
type DynamoDBConfig struct {
	TableName          string `yaml:"tableName" json:"tableName"`
	Region             string `yaml:"region" json:"region"`
	TTLSeconds         *int64 `yaml:"ttlSeconds" json:"ttlSeconds"`
	NamespaceIndexName string `yaml:"namespaceIndexName" json:"namespaceIndexName"`
}

// SecretsManagerConfig configures the managed secrets backend for the auth namespace.
type SecretsManagerConfig struct {
	SecretArn string `yaml:"secretArn" json:"secretArn"`
	KmsKeyID  string `yaml:"kmsKeyId" json:"kmsKeyId"`
	Region    string `yaml:"region" json:"region"`
}

const (
	// DefaultCacheTTLMs is the default validity window for cached values.
	DefaultCacheTTLMs = 45000

	// DefaultDynamoTTLSeconds is 30 days; 0 disables item expiry.
	DefaultDynamoTTLSeconds = int64(2592000)

	// DefaultNamespaceIndexName is the GSI used for per-namespace listing.
	DefaultNamespaceIndexName = "NamespaceIndex"
)

// Default returns a configuration with every field at its documented default:
// file mode, caching on with a 45s TTL, everything local.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = ModeFile
	}
	if c.CacheEnabled == nil {
		enabled := true
		c.CacheEnabled = &enabled
	}
	if c.CacheTTLMs == 0 {
		c.CacheTTLMs = DefaultCacheTTLMs
	}
	if c.DynamoDB.TTLSeconds == nil {
		ttl := DefaultDynamoTTLSeconds
		c.DynamoDB.TTLSeconds = &ttl
	}
	if c.DynamoDB.NamespaceIndexName == "" {
		c.DynamoDB.NamespaceIndexName = DefaultNamespaceIndexName
	}
}

// Load reads a YAML or JSON configuration file, rejecting unknown keys,
// and validates the result. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks the configuration for internal
// consistency. Error messages name the offending key and how to fix it.
func (c *Config) Validate() error {
	c.applyDefaults()

	switch c.Type {
	case ModeFile, ModeAgentCore, ModeHybrid:
	default:
		return fmt.Errorf("type: unknown service mode %q (use file, agentcore, or hybrid)", c.Type)
	}

	for ns, cl := range map[string]Classification{
		NamespaceSessions:    c.DataClassification.Sessions,
		NamespaceTranscripts: c.DataClassification.Transcripts,
		NamespaceAuth:        c.DataClassification.Auth,
		NamespaceConfig:      c.DataClassification.Config,
	} {
		if cl != "" && cl != ClassificationLocal && cl != ClassificationCloud {
			return fmt.Errorf("dataClassification.%s: unknown classification %q (use local or cloud)", ns, cl)
		}
	}

	if c.CacheTTLMs <= 0 {
		return fmt.Errorf("cacheTtlMs: must be a positive integer, got %d", c.CacheTTLMs)
	}
	if *c.DynamoDB.TTLSeconds < 0 {
		return fmt.Errorf("dynamodb.ttlSeconds: must be >= 0, got %d (0 disables expiry)", *c.DynamoDB.TTLSeconds)
	}

	if c.Type == ModeAgentCore {
		for _, ns := range Namespaces() {
			if c.Resolve(ns) == ClassificationCloud && c.AgentCore.MemoryArn == "" {
				return fmt.Errorf("agentcore.memoryArn: required in agentcore mode for cloud namespace %q (set agentcore.memoryArn)", ns)
			}
		}
	}
	if c.Type == ModeHybrid {
		if c.Resolve(NamespaceTranscripts) == ClassificationCloud && c.AgentCore.MemoryArn == "" && c.DynamoDB.TableName == "" {
			return fmt.Errorf("agentcore.memoryArn: required for cloud transcripts in hybrid mode (set agentcore.memoryArn, or dataClassification.transcripts: local)")
		}
		if c.Resolve(NamespaceSessions) == ClassificationCloud && c.DynamoDB.TableName == "" && c.AgentCore.MemoryArn == "" {
			return fmt.Errorf("dynamodb.tableName: required for cloud sessions in hybrid mode (set dynamodb.tableName or agentcore.memoryArn)")
		}
	}
	return nil
}

// Resolve returns the effective classification for a namespace: the explicit
// override when present, otherwise the mode default. In file mode everything
// is local; in agentcore and hybrid modes sessions and transcripts are cloud
// while auth and config stay local.
func (c *Config) Resolve(ns string) Classification {
	var override Classification
	switch ns {
	case NamespaceSessions:
		override = c.DataClassification.Sessions
	case NamespaceTranscripts:
		override = c.DataClassification.Transcripts
	case NamespaceAuth:
		override = c.DataClassification.Auth
	case NamespaceConfig:
		override = c.DataClassification.Config
	}
	if override != "" {
		return override
	}

	if c.Type == ModeAgentCore || c.Type == ModeHybrid {
		if ns == NamespaceSessions || ns == NamespaceTranscripts {
			return ClassificationCloud
		}
	}
	return ClassificationLocal
}

// ResolveRegion returns the AgentCore region: explicit config, then the
// AWS_REGION environment, then the region embedded in the memory ARN.
func (a AgentCoreConfig) ResolveRegion() string {
	if a.Region != "" {
		return a.Region
	}
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return regionFromArn(a.MemoryArn)
}

// ResolveRegion returns the DynamoDB region: explicit config, then AWS_REGION.
func (d DynamoDBConfig) ResolveRegion() string {
	if d.Region != "" {
		return d.Region
	}
	return os.Getenv("AWS_REGION")
}

// ResolveRegion returns the Secrets Manager region: explicit config, then
// AWS_REGION, then the region embedded in the secret ARN.
func (s SecretsManagerConfig) ResolveRegion() string {
	if s.Region != "" {
		return s.Region
	}
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return regionFromArn(s.SecretArn)
}

// regionFromArn pulls the region field out of an ARN
// (arn:partition:service:region:account:resource).
func regionFromArn(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 4 || parts[0] != "arn" {
		return ""
	}
	return parts[3]
}

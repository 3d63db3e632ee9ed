package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/rs/zerolog"

	"github.com/yunfeilu92/openclaw/pkg/config"
	"github.com/yunfeilu92/openclaw/pkg/log"
	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// secretsClient is the slice of the Secrets Manager API this backend uses.
type secretsClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// secretNameRoot prefixes every secret this layer manages.
const secretNameRoot = "openclaw-auth"

// SecretsBackend stores credentials in the managed secrets vault. Values
// that are already strings are stored raw; everything else is stored as
// canonical JSON. Logs are not a secrets concern: Append and ReadLines are
// unsupported.
type SecretsBackend struct {
	client   secretsClient
	kmsKeyID string
	region   string
	logger   zerolog.Logger
}

// SecretsOptions configures a SecretsBackend.
type SecretsOptions struct {
	KmsKeyID string
	Region   string

	// Client overrides the AWS client, for tests.
	Client secretsClient
}

// NewSecretsBackend creates a Secrets Manager-backed storage backend.
func NewSecretsBackend(opts SecretsOptions) *SecretsBackend {
	return &SecretsBackend{
		client:   opts.Client,
		kmsKeyID: opts.KmsKeyID,
		region:   opts.Region,
		logger:   log.Backend(BackendSecretsManager),
	}
}

// NewSecretsBackendFromConfig builds the backend from service configuration.
func NewSecretsBackendFromConfig(cfg config.SecretsManagerConfig) *SecretsBackend {
	return NewSecretsBackend(SecretsOptions{
		KmsKeyID: cfg.KmsKeyID,
		Region:   cfg.ResolveRegion(),
	})
}

// Type returns the backend tag.
func (b *SecretsBackend) Type() string { return BackendSecretsManager }

// IsDistributed reports true.
func (b *SecretsBackend) IsDistributed() bool { return true }

// Initialize constructs the AWS client unless one was injected.
func (b *SecretsBackend) Initialize(ctx context.Context) error {
	if b.client != nil {
		return nil
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if b.region != "" {
		optFns = append(optFns, awsconfig.WithRegion(b.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	b.client = secretsmanager.NewFromConfig(awsCfg)
	return nil
}

// Close releases nothing.
func (b *SecretsBackend) Close() error { return nil }

// secretName maps a (namespace, key) to openclaw-auth/<ns>/<key>, with
// slashes in the key preserved for hierarchical names.
func secretName(ns Namespace, key string) string {
	return secretNameRoot + "/" + string(ns) + "/" + sanitizeSecretKey(key)
}

func isSecretNotFound(err error) bool {
	var rnf *smtypes.ResourceNotFoundException
	return errors.As(err, &rnf)
}

// Get fetches and decodes the secret value: JSON when it parses, the raw
// string otherwise.
func (b *SecretsBackend) Get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	start := time.Now()
	value, ok, err := b.get(ctx, ns, key)
	metrics.ObserveOp(BackendSecretsManager, "get", start, err)
	return value, ok, err
}

func (b *SecretsBackend) get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName(ns, key)),
	})
	if err != nil {
		if isSecretNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get secret %s: %w: %v", secretName(ns, key), ErrUnavailable, err)
	}
	raw := aws.ToString(out.SecretString)
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw, true, nil
	}
	return value, true, nil
}

// Set updates the secret value, creating the secret on first write with the
// configured KMS key and standard tags.
func (b *SecretsBackend) Set(ctx context.Context, ns Namespace, key string, value any) error {
	start := time.Now()
	err := b.set(ctx, ns, key, value)
	metrics.ObserveOp(BackendSecretsManager, "set", start, err)
	return err
}

func (b *SecretsBackend) set(ctx context.Context, ns Namespace, key string, value any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var raw string
	if s, ok := value.(string); ok {
		raw = s
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode secret %s: %w", secretName(ns, key), ErrInvalidArgument)
		}
		raw = string(data)
	}

	name := secretName(ns, key)
	_, err := b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(raw),
	})
	if err == nil {
		return nil
	}
	if !isSecretNotFound(err) {
		return fmt.Errorf("put secret %s: %w: %v", name, ErrUnavailable, err)
	}

	in := &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(raw),
		Tags: []smtypes.Tag{
			{Key: aws.String("Application"), Value: aws.String("openclaw")},
			{Key: aws.String("Namespace"), Value: aws.String(string(ns))},
		},
	}
	if b.kmsKeyID != "" {
		in.KmsKeyId = aws.String(b.kmsKeyID)
	}
	if _, err := b.client.CreateSecret(ctx, in); err != nil {
		return fmt.Errorf("create secret %s: %w: %v", name, ErrUnavailable, err)
	}
	b.logger.Info().Str("secret", name).Msg("created secret")
	return nil
}

// Delete forces immediate deletion without a recovery window.
func (b *SecretsBackend) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	start := time.Now()
	existed, err := b.del(ctx, ns, key)
	metrics.ObserveOp(BackendSecretsManager, "delete", start, err)
	return existed, err
}

func (b *SecretsBackend) del(ctx context.Context, ns Namespace, key string) (bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := b.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(secretName(ns, key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		if isSecretNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete secret %s: %w: %v", secretName(ns, key), ErrUnavailable, err)
	}
	return true, nil
}

// List enumerates secrets under the namespace prefix, returning key names
// relative to it.
func (b *SecretsBackend) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := b.list(ctx, ns, prefix)
	metrics.ObserveOp(BackendSecretsManager, "list", start, err)
	return keys, err
}

func (b *SecretsBackend) list(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	namePrefix := secretNameRoot + "/" + string(ns) + "/"
	var keys []string
	var nextToken *string
	for {
		lctx, cancel := opContext(ctx)
		out, err := b.client.ListSecrets(lctx, &secretsmanager.ListSecretsInput{
			Filters: []smtypes.Filter{{
				Key:    smtypes.FilterNameStringTypeName,
				Values: []string{namePrefix},
			}},
			NextToken: nextToken,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("list secrets under %s: %w: %v", namePrefix, ErrUnavailable, err)
		}
		for _, s := range out.SecretList {
			name := aws.ToString(s.Name)
			if !strings.HasPrefix(name, namePrefix) {
				continue
			}
			key := strings.TrimPrefix(name, namePrefix)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		if out.NextToken == nil {
			return keys, nil
		}
		nextToken = out.NextToken
	}
}

// Update is read-modify-write; the vault offers no conditional writes, so
// concurrent updates are last-write-wins.
func (b *SecretsBackend) Update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	start := time.Now()
	next, err := b.updateSecret(ctx, ns, key, fn)
	metrics.ObserveOp(BackendSecretsManager, "update", start, err)
	return next, err
}

func (b *SecretsBackend) updateSecret(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	current, exists, err := b.get(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	next, remove := fn(current, exists)
	if remove {
		if _, err := b.del(ctx, ns, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := b.set(ctx, ns, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Append is unsupported on the secrets vault.
func (b *SecretsBackend) Append(ctx context.Context, ns Namespace, key, line string) error {
	return fmt.Errorf("append on %s: %w", BackendSecretsManager, ErrUnsupported)
}

// ReadLines is unsupported.
func (b *SecretsBackend) ReadLines(ctx context.Context, ns Namespace, key string) iter.Seq2[string, error] {
	return errLines(fmt.Errorf("readLines on %s: %w", BackendSecretsManager, ErrUnsupported))
}

// HealthCheck probes the vault with a bounded single-page listing.
func (b *SecretsBackend) HealthCheck(ctx context.Context) HealthResult {
	ctx, cancel := probeContext(ctx)
	defer cancel()

	start := time.Now()
	result := HealthResult{OK: true}
	if b.client == nil {
		result = HealthResult{Error: "not initialized"}
	} else {
		_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{
			MaxResults: aws.Int32(1),
		})
		if err != nil {
			result = HealthResult{Error: err.Error()}
		}
	}
	result.Latency = time.Since(start)
	metrics.RecordProbe(BackendSecretsManager, result.OK, result.Latency, result.Error)
	return result
}

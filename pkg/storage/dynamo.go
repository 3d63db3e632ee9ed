package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/yunfeilu92/openclaw/pkg/config"
	"github.com/yunfeilu92/openclaw/pkg/log"
	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// dynamoClient is the slice of the DynamoDB API this backend uses.
type dynamoClient interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

const (
	// sortKeyData is the fixed sort key; each (namespace, key) pair is one item.
	sortKeyData = "DATA"

	// updateRetries bounds the optimistic-concurrency retry loop. Every
	// conditional failure means another writer made progress, so a loser
	// needs at most one retry per competing writer.
	updateRetries = 10
)

// DocumentDBBackend stores values in a DynamoDB table with true delete, TTL,
// and conditional updates. Items carry a rev counter that Update checks and
// increments as an optimistic-concurrency guard; Set writes rev 1. Transcripts do not belong
// here; Append and ReadLines are unsupported.
type DocumentDBBackend struct {
	client     dynamoClient
	table      string
	index      string
	ttlSeconds int64
	region     string
	logger     zerolog.Logger
	now        func() time.Time
}

// DocumentDBOptions configures a DocumentDBBackend.
type DocumentDBOptions struct {
	TableName          string
	Region             string
	TTLSeconds         int64
	NamespaceIndexName string

	// Client overrides the AWS client, for tests.
	Client dynamoClient
}

// NewDocumentDBBackend creates a DynamoDB-backed storage backend.
func NewDocumentDBBackend(opts DocumentDBOptions) (*DocumentDBBackend, error) {
	if opts.TableName == "" {
		return nil, fmt.Errorf("dynamodb.tableName is required: %w", ErrInvalidArgument)
	}
	index := opts.NamespaceIndexName
	if index == "" {
		index = config.DefaultNamespaceIndexName
	}
	return &DocumentDBBackend{
		client:     opts.Client,
		table:      opts.TableName,
		index:      index,
		ttlSeconds: opts.TTLSeconds,
		region:     opts.Region,
		logger:     log.Backend(BackendDynamoDB),
		now:        time.Now,
	}, nil
}

// NewDocumentDBBackendFromConfig builds the backend from service configuration.
func NewDocumentDBBackendFromConfig(cfg config.DynamoDBConfig) (*DocumentDBBackend, error) {
	ttl := config.DefaultDynamoTTLSeconds
	if cfg.TTLSeconds != nil {
		ttl = *cfg.TTLSeconds
	}
	return NewDocumentDBBackend(DocumentDBOptions{
		TableName:          cfg.TableName,
		Region:             cfg.ResolveRegion(),
		TTLSeconds:         ttl,
		NamespaceIndexName: cfg.NamespaceIndexName,
	})
}

// Type returns the backend tag.
func (b *DocumentDBBackend) Type() string { return BackendDynamoDB }

// IsDistributed reports true.
func (b *DocumentDBBackend) IsDistributed() bool { return true }

// Initialize constructs the AWS client unless one was injected.
func (b *DocumentDBBackend) Initialize(ctx context.Context) error {
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
	b.client = dynamodb.NewFromConfig(awsCfg)
	return nil
}

// Close releases nothing.
func (b *DocumentDBBackend) Close() error { return nil }

func partitionKey(ns Namespace, key string) string {
	return string(ns) + "#" + SanitizeKey(key)
}

func (b *DocumentDBBackend) itemKey(ns Namespace, key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": &ddbtypes.AttributeValueMemberS{Value: partitionKey(ns, key)},
		"SK": &ddbtypes.AttributeValueMemberS{Value: sortKeyData},
	}
}

// rawItem is the decoded wire shape of one stored item.
type rawItem struct {
	value   any
	rev     int64
	ttl     int64
	present bool
}

// getRaw fetches an item including its rev, treating an elapsed ttl as absent.
func (b *DocumentDBBackend) getRaw(ctx context.Context, ns Namespace, key string) (rawItem, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            b.itemKey(ns, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return rawItem{}, fmt.Errorf("get %s: %w: %v", partitionKey(ns, key), ErrUnavailable, err)
	}
	if len(out.Item) == 0 {
		return rawItem{}, nil
	}
	item := rawItem{present: true}
	if av, ok := out.Item["data"]; ok {
		if err := attributevalue.Unmarshal(av, &item.value); err != nil {
			return rawItem{}, fmt.Errorf("decode %s: %w", partitionKey(ns, key), ErrCorruption)
		}
	}
	if av, ok := out.Item["rev"].(*ddbtypes.AttributeValueMemberN); ok {
		item.rev, _ = strconv.ParseInt(av.Value, 10, 64)
	}
	if av, ok := out.Item["ttl"].(*ddbtypes.AttributeValueMemberN); ok {
		item.ttl, _ = strconv.ParseInt(av.Value, 10, 64)
	}
	// Items past their ttl are absent on read even before the backend
	// physically removes them.
	if item.ttl > 0 && item.ttl <= b.now().Unix() {
		return rawItem{}, nil
	}
	return item, nil
}

// Get returns the stored document for key.
func (b *DocumentDBBackend) Get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	start := time.Now()
	item, err := b.getRaw(ctx, ns, key)
	metrics.ObserveOp(BackendDynamoDB, "get", start, err)
	if err != nil {
		return nil, false, err
	}
	return item.value, item.present, nil
}

// Set performs an unconditional put, stamping updatedAt and, when
// configured, a fresh ttl.
func (b *DocumentDBBackend) Set(ctx context.Context, ns Namespace, key string, value any) error {
	start := time.Now()
	err := b.set(ctx, ns, key, value)
	metrics.ObserveOp(BackendDynamoDB, "set", start, err)
	return err
}

func (b *DocumentDBBackend) set(ctx context.Context, ns Namespace, key string, value any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	dataAV, err := attributevalue.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", partitionKey(ns, key), ErrInvalidArgument)
	}
	item := map[string]ddbtypes.AttributeValue{
		"PK":        &ddbtypes.AttributeValueMemberS{Value: partitionKey(ns, key)},
		"SK":        &ddbtypes.AttributeValueMemberS{Value: sortKeyData},
		"namespace": &ddbtypes.AttributeValueMemberS{Value: string(ns)},
		"key":       &ddbtypes.AttributeValueMemberS{Value: SanitizeKey(key)},
		"data":      dataAV,
		"updatedAt": &ddbtypes.AttributeValueMemberS{Value: b.now().UTC().Format(time.RFC3339)},
		"rev":       &ddbtypes.AttributeValueMemberN{Value: "1"},
	}
	if b.ttlSeconds > 0 {
		item["ttl"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(b.now().Unix()+b.ttlSeconds, 10)}
	}
	if _, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put %s: %w: %v", partitionKey(ns, key), ErrUnavailable, err)
	}
	return nil
}

// Delete removes the item, reporting whether prior attributes existed.
func (b *DocumentDBBackend) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	start := time.Now()
	existed, err := b.del(ctx, ns, key)
	metrics.ObserveOp(BackendDynamoDB, "delete", start, err)
	return existed, err
}

func (b *DocumentDBBackend) del(ctx context.Context, ns Namespace, key string) (bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	out, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(b.table),
		Key:          b.itemKey(ns, key),
		ReturnValues: ddbtypes.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w: %v", partitionKey(ns, key), ErrUnavailable, err)
	}
	return len(out.Attributes) > 0, nil
}

// List queries the namespace GSI, paginating until exhaustion. Items whose
// ttl has elapsed are skipped.
func (b *DocumentDBBackend) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := b.list(ctx, ns, prefix)
	metrics.ObserveOp(BackendDynamoDB, "list", start, err)
	return keys, err
}

func (b *DocumentDBBackend) list(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	names := map[string]string{"#ns": "namespace", "#key": "key", "#ttl": "ttl"}
	values := map[string]ddbtypes.AttributeValue{
		":ns": &ddbtypes.AttributeValueMemberS{Value: string(ns)},
	}
	condition := "#ns = :ns"
	if prefix != "" {
		condition += " AND begins_with(#key, :prefix)"
		values[":prefix"] = &ddbtypes.AttributeValueMemberS{Value: prefix}
	}

	var keys []string
	var exclusiveStart map[string]ddbtypes.AttributeValue
	for {
		qctx, cancel := opContext(ctx)
		out, err := b.client.Query(qctx, &dynamodb.QueryInput{
			TableName:                 aws.String(b.table),
			IndexName:                 aws.String(b.index),
			KeyConditionExpression:    aws.String(condition),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ProjectionExpression:      aws.String("#key, #ttl"),
			ExclusiveStartKey:         exclusiveStart,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("query %s on %s: %w: %v", ns, b.index, ErrUnavailable, err)
		}
		for _, item := range out.Items {
			if av, ok := item["ttl"].(*ddbtypes.AttributeValueMemberN); ok {
				if ttl, _ := strconv.ParseInt(av.Value, 10, 64); ttl > 0 && ttl <= b.now().Unix() {
					continue
				}
			}
			if av, ok := item["key"].(*ddbtypes.AttributeValueMemberS); ok {
				keys = append(keys, av.Value)
			}
		}
		if out.LastEvaluatedKey == nil {
			return keys, nil
		}
		exclusiveStart = out.LastEvaluatedKey
	}
}

// Update re-reads the item, applies fn, and writes through a conditional
// expression on the item's rev, retrying when a concurrent writer won.
func (b *DocumentDBBackend) Update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	start := time.Now()
	next, err := b.update(ctx, ns, key, fn)
	metrics.ObserveOp(BackendDynamoDB, "update", start, err)
	return next, err
}

func (b *DocumentDBBackend) update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		item, err := b.getRaw(ctx, ns, key)
		if err != nil {
			return nil, err
		}

		next, remove := fn(item.value, item.present)
		if remove {
			err = b.conditionalDelete(ctx, ns, key, item)
			if err == nil {
				return nil, nil
			}
		} else {
			err = b.conditionalWrite(ctx, ns, key, next, item)
			if err == nil {
				return next, nil
			}
		}
		if !isConditionalFailure(err) {
			return nil, err
		}
		b.logger.Debug().Str("key", key).Int("attempt", attempt+1).Msg("lost conditional update race, retrying")
		lastErr = err
	}
	return nil, fmt.Errorf("update %s lost %d optimistic-concurrency races: %w: %v",
		partitionKey(ns, key), updateRetries, ErrUnavailable, lastErr)
}

func isConditionalFailure(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (b *DocumentDBBackend) conditionalDelete(ctx context.Context, ns Namespace, key string, prior rawItem) error {
	if !prior.present {
		return nil
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(b.table),
		Key:                 b.itemKey(ns, key),
		ConditionExpression: aws.String("rev = :prev"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":prev": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(prior.rev, 10)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return err
		}
		return fmt.Errorf("delete %s: %w: %v", partitionKey(ns, key), ErrUnavailable, err)
	}
	return nil
}

func (b *DocumentDBBackend) conditionalWrite(ctx context.Context, ns Namespace, key string, value any, prior rawItem) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	dataAV, err := attributevalue.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", partitionKey(ns, key), ErrInvalidArgument)
	}

	names := map[string]string{"#ns": "namespace", "#key": "key", "#data": "data", "#rev": "rev", "#updatedAt": "updatedAt"}
	values := map[string]ddbtypes.AttributeValue{
		":data":      dataAV,
		":ns":        &ddbtypes.AttributeValueMemberS{Value: string(ns)},
		":key":       &ddbtypes.AttributeValueMemberS{Value: SanitizeKey(key)},
		":updatedAt": &ddbtypes.AttributeValueMemberS{Value: b.now().UTC().Format(time.RFC3339)},
		":rev":       &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(prior.rev+1, 10)},
	}
	set := "SET #data = :data, #ns = :ns, #key = :key, #updatedAt = :updatedAt, #rev = :rev"
	if b.ttlSeconds > 0 {
		names["#ttl"] = "ttl"
		values[":ttl"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(b.now().Unix()+b.ttlSeconds, 10)}
		set += ", #ttl = :ttl"
	}

	var condition string
	if prior.present {
		condition = "#rev = :prev"
		values[":prev"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(prior.rev, 10)}
	} else {
		condition = "attribute_not_exists(PK)"
	}

	_, err = b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.table),
		Key:                       b.itemKey(ns, key),
		UpdateExpression:          aws.String(set),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return err
		}
		return fmt.Errorf("update %s: %w: %v", partitionKey(ns, key), ErrUnavailable, err)
	}
	return nil
}

// Append is unsupported; transcripts belong in the event memory backend.
func (b *DocumentDBBackend) Append(ctx context.Context, ns Namespace, key, line string) error {
	return fmt.Errorf("append on %s: %w", BackendDynamoDB, ErrUnsupported)
}

// ReadLines is unsupported.
func (b *DocumentDBBackend) ReadLines(ctx context.Context, ns Namespace, key string) iter.Seq2[string, error] {
	return errLines(fmt.Errorf("readLines on %s: %w", BackendDynamoDB, ErrUnsupported))
}

// HealthCheck probes the table with a bounded sentinel read.
func (b *DocumentDBBackend) HealthCheck(ctx context.Context) HealthResult {
	ctx, cancel := probeContext(ctx)
	defer cancel()

	start := time.Now()
	result := HealthResult{OK: true}
	if b.client == nil {
		result = HealthResult{Error: "not initialized"}
	} else {
		_, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(b.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: "health#probe"},
				"SK": &ddbtypes.AttributeValueMemberS{Value: sortKeyData},
			},
		})
		if err != nil {
			result = HealthResult{Error: err.Error()}
		}
	}
	result.Latency = time.Since(start)
	metrics.RecordProbe(BackendDynamoDB, result.OK, result.Latency, result.Error)
	return result
}

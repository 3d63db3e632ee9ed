package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoClient is an in-memory single-table store implementing exactly
// the expression shapes the backend issues. Query pages are capped at two
// items to exercise pagination.
type fakeDynamoClient struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue // PK → item
}

func newFakeDynamoClient() *fakeDynamoClient {
	return &fakeDynamoClient{items: make(map[string]map[string]ddbtypes.AttributeValue)}
}

func itemPK(key map[string]ddbtypes.AttributeValue) string {
	return key["PK"].(*ddbtypes.AttributeValueMemberS).Value
}

func (f *fakeDynamoClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemPK(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamoClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemPK(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoClient) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := itemPK(in.Key)
	prior, existed := f.items[pk]
	if in.ConditionExpression != nil {
		if err := f.checkCondition(*in.ConditionExpression, in.ExpressionAttributeValues, prior, existed); err != nil {
			return nil, err
		}
	}
	delete(f.items, pk)
	out := &dynamodb.DeleteItemOutput{}
	if existed && in.ReturnValues == ddbtypes.ReturnValueAllOld {
		out.Attributes = prior
	}
	return out, nil
}

func (f *fakeDynamoClient) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := itemPK(in.Key)
	prior, existed := f.items[pk]
	if in.ConditionExpression != nil {
		if err := f.checkCondition(*in.ConditionExpression, in.ExpressionAttributeValues, prior, existed); err != nil {
			return nil, err
		}
	}

	item := map[string]ddbtypes.AttributeValue{
		"PK": in.Key["PK"],
		"SK": in.Key["SK"],
	}
	// Apply the single SET shape the backend issues.
	for _, assign := range strings.Split(strings.TrimPrefix(*in.UpdateExpression, "SET "), ", ") {
		parts := strings.Split(assign, " = ")
		name := in.ExpressionAttributeNames[parts[0]]
		item[name] = in.ExpressionAttributeValues[parts[1]]
	}
	f.items[pk] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoClient) checkCondition(expr string, values map[string]ddbtypes.AttributeValue, prior map[string]ddbtypes.AttributeValue, existed bool) error {
	if strings.Contains(expr, "attribute_not_exists") {
		if existed {
			return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("item exists")}
		}
		return nil
	}
	// rev = :prev
	if !existed {
		return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("item gone")}
	}
	want := values[":prev"].(*ddbtypes.AttributeValueMemberN).Value
	have, ok := prior["rev"].(*ddbtypes.AttributeValueMemberN)
	if !ok || have.Value != want {
		return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("rev mismatch")}
	}
	return nil
}

func (f *fakeDynamoClient) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ns := in.ExpressionAttributeValues[":ns"].(*ddbtypes.AttributeValueMemberS).Value
	var prefix string
	if av, ok := in.ExpressionAttributeValues[":prefix"]; ok {
		prefix = av.(*ddbtypes.AttributeValueMemberS).Value
	}

	var pks []string
	for pk := range f.items {
		pks = append(pks, pk)
	}
	// Stable iteration so pagination tokens stay meaningful.
	sortStrings(pks)

	var matched []map[string]ddbtypes.AttributeValue
	for _, pk := range pks {
		item := f.items[pk]
		nsAttr, ok := item["namespace"].(*ddbtypes.AttributeValueMemberS)
		if !ok || nsAttr.Value != ns {
			continue
		}
		keyAttr := item["key"].(*ddbtypes.AttributeValueMemberS)
		if !strings.HasPrefix(keyAttr.Value, prefix) {
			continue
		}
		matched = append(matched, item)
	}

	offset := 0
	if in.ExclusiveStartKey != nil {
		offset, _ = strconv.Atoi(in.ExclusiveStartKey["offset"].(*ddbtypes.AttributeValueMemberN).Value)
	}
	end := offset + 2
	if end > len(matched) {
		end = len(matched)
	}
	out := &dynamodb.QueryOutput{Items: matched[offset:end]}
	if end < len(matched) {
		out.LastEvaluatedKey = map[string]ddbtypes.AttributeValue{
			"offset": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(end)},
		}
	}
	return out, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func newTestDocumentDBBackend(t *testing.T, ttlSeconds int64) (*DocumentDBBackend, *fakeDynamoClient) {
	t.Helper()
	client := newFakeDynamoClient()
	b, err := NewDocumentDBBackend(DocumentDBOptions{
		TableName:  "openclaw-sessions",
		TTLSeconds: ttlSeconds,
		Client:     client,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return b, client
}

func TestDynamoRoundTrip(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	ctx := context.Background()

	want := map[string]any{"channel": "http", "turns": float64(2)}
	if err := b.Set(ctx, NamespaceSessions, "abc", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := b.Get(ctx, NamespaceSessions, "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected value")
	}
	jsonEqual(t, want, value)
}

func TestDynamoDeleteReportsExistence(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	existed, err := b.Delete(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Error("first delete should report existed")
	}
	existed, err = b.Delete(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Error("second delete should report not existed")
	}
}

func TestDynamoExpiredItemIsAbsent(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 60)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Time travels past the item's ttl before the backend removed it.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err := b.Get(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expired item should read as absent")
	}

	keys, err := b.List(ctx, NamespaceSessions, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expired item listed: %v", keys)
	}
}

func TestDynamoListPaginatesWithPrefix(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	ctx := context.Background()

	for _, key := range []string{"chat-1", "chat-2", "chat-3", "voice-1"} {
		if err := b.Set(ctx, NamespaceSessions, key, "x"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	// Another namespace must not bleed in.
	if err := b.Set(ctx, NamespaceConfig, "chat-9", "x"); err != nil {
		t.Fatalf("set config: %v", err)
	}

	keys, err := b.List(ctx, NamespaceSessions, "chat-")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("list = %v, want 3 chat keys", keys)
	}
}

func TestDynamoConcurrentUpdates(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Update(ctx, NamespaceSessions, "counter", func(current any, exists bool) (any, bool) {
				n := 0.0
				if exists {
					if m, ok := current.(map[string]any); ok {
						if v, ok := m["n"].(float64); ok {
							n = v
						}
					}
				}
				return map[string]any{"n": n + 1}, false
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	value, ok, err := b.Get(ctx, NamespaceSessions, "counter")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	jsonEqual(t, map[string]any{"n": workers}, value)
}

func TestDynamoUpdateRemove(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	next, err := b.Update(ctx, NamespaceSessions, "k", func(current any, exists bool) (any, bool) {
		return nil, true
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next != nil {
		t.Errorf("removed key returned %v", next)
	}
	_, ok, _ := b.Get(ctx, NamespaceSessions, "k")
	if ok {
		t.Error("key should be gone")
	}
}

func TestDynamoAppendUnsupported(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	err := b.Append(context.Background(), NamespaceTranscripts, "k", "line")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}

	for _, err := range b.ReadLines(context.Background(), NamespaceTranscripts, "k") {
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("expected ErrUnsupported from ReadLines, got %v", err)
		}
	}
}

func TestDynamoRequiresTableName(t *testing.T) {
	_, err := NewDocumentDBBackend(DocumentDBOptions{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestDynamoHealthCheck(t *testing.T) {
	b, _ := newTestDocumentDBBackend(t, 0)
	result := b.HealthCheck(context.Background())
	if !result.OK {
		t.Errorf("health check failed: %s", result.Error)
	}
}

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
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore/types"
	"github.com/rs/zerolog"

	"github.com/yunfeilu92/openclaw/pkg/config"
	"github.com/yunfeilu92/openclaw/pkg/log"
	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// agentCoreClient is the slice of the AgentCore data-plane API this backend
// uses. The concrete client satisfies it; tests substitute a fake.
type agentCoreClient interface {
	CreateEvent(ctx context.Context, in *bedrockagentcore.CreateEventInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.CreateEventOutput, error)
	ListEvents(ctx context.Context, in *bedrockagentcore.ListEventsInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.ListEventsOutput, error)
	ListSessions(ctx context.Context, in *bedrockagentcore.ListSessionsInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.ListSessionsOutput, error)
}

const (
	// Session id prefixes separating key-value streams from transcript streams.
	kvSessionPrefix = "kv-"
	trSessionPrefix = "tr-"

	// actorRoot namespaces every actor id this layer creates.
	actorRoot = "openclaw-storage"

	listEventsPageSize   = 100
	listSessionsPageSize = 100
)

// EventMemoryBackend maps key-value and append-log semantics onto the
// append-only AgentCore memory event API keyed by (memoryId, actorId,
// sessionId).
//
// Each Set creates one event carrying a {_type: "kv", value: ...} blob; Get
// reads the most recent event. Delete is a soft delete: a tombstone event
// shadows all prior events for the key. Update is best-effort
// read-then-write — it is not atomic against concurrent writers; callers
// needing strict session atomicity use the document database via hybrid mode.
type EventMemoryBackend struct {
	client      agentCoreClient
	memoryArn   string
	memoryID    string
	region      string
	actorPrefix string
	logger      zerolog.Logger
}

// EventMemoryOptions configures an EventMemoryBackend.
type EventMemoryOptions struct {
	MemoryArn       string
	Region          string
	NamespacePrefix string

	// Client overrides the AWS client, for tests.
	Client agentCoreClient
}

// NewEventMemoryBackend creates a backend over the cloud memory resource
// identified by the memory ARN.
func NewEventMemoryBackend(opts EventMemoryOptions) (*EventMemoryBackend, error) {
	if opts.MemoryArn == "" {
		return nil, fmt.Errorf("agentcore.memoryArn is required: %w", ErrInvalidArgument)
	}
	return &EventMemoryBackend{
		client:      opts.Client,
		memoryArn:   opts.MemoryArn,
		memoryID:    memoryIDFromArn(opts.MemoryArn),
		region:      opts.Region,
		actorPrefix: opts.NamespacePrefix,
		logger:      log.Backend(BackendAgentCore),
	}, nil
}

// NewEventMemoryBackendFromConfig builds the backend from service configuration.
func NewEventMemoryBackendFromConfig(cfg config.AgentCoreConfig) (*EventMemoryBackend, error) {
	return NewEventMemoryBackend(EventMemoryOptions{
		MemoryArn:       cfg.MemoryArn,
		Region:          cfg.ResolveRegion(),
		NamespacePrefix: cfg.NamespacePrefix,
	})
}

// memoryIDFromArn extracts the memory id from
// arn:aws:bedrock-agentcore:<region>:<account>:memory/<memoryId>.
func memoryIDFromArn(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// MemoryArn returns the backing memory resource ARN.
func (b *EventMemoryBackend) MemoryArn() string { return b.memoryArn }

// Type returns the backend tag.
func (b *EventMemoryBackend) Type() string { return BackendAgentCore }

// IsDistributed reports true; events are visible to every host.
func (b *EventMemoryBackend) IsDistributed() bool { return true }

// Initialize constructs the AWS client unless one was injected.
func (b *EventMemoryBackend) Initialize(ctx context.Context) error {
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
	b.client = bedrockagentcore.NewFromConfig(awsCfg)
	b.logger.Debug().Str("memory_id", b.memoryID).Msg("agentcore memory client ready")
	return nil
}

// Close releases nothing; the AWS client holds no persistent connections.
func (b *EventMemoryBackend) Close() error { return nil }

// actorID scopes a namespace under this layer's actor root, with the
// optional multi-tenant prefix in between.
func (b *EventMemoryBackend) actorID(ns Namespace) string {
	if b.actorPrefix != "" {
		return actorRoot + "/" + b.actorPrefix + "/" + string(ns)
	}
	return actorRoot + "/" + string(ns)
}

func kvSessionID(key string) string { return kvSessionPrefix + SanitizeKey(key) }
func trSessionID(key string) string { return trSessionPrefix + SanitizeKey(key) }

// TranscriptSessionID returns the event stream id a transcript key maps to,
// for building agentcore transcript locations.
func (b *EventMemoryBackend) TranscriptSessionID(key string) string {
	return trSessionID(key)
}

// createEvent writes one event carrying the given payloads.
func (b *EventMemoryBackend) createEvent(ctx context.Context, ns Namespace, sessionID string, payloads []types.PayloadType) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	now := time.Now()
	_, err := b.client.CreateEvent(ctx, &bedrockagentcore.CreateEventInput{
		MemoryId:       aws.String(b.memoryID),
		ActorId:        aws.String(b.actorID(ns)),
		SessionId:      aws.String(sessionID),
		EventTimestamp: aws.Time(now),
		Payload:        payloads,
	})
	if err != nil {
		return fmt.Errorf("create event in %s: %w: %v", sessionID, ErrUnavailable, err)
	}
	return nil
}

// latestEvent returns the most recent event in a session, or nil when the
// session is empty or does not exist.
func (b *EventMemoryBackend) latestEvent(ctx context.Context, ns Namespace, sessionID string) (*types.Event, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	out, err := b.client.ListEvents(ctx, &bedrockagentcore.ListEventsInput{
		MemoryId:        aws.String(b.memoryID),
		ActorId:         aws.String(b.actorID(ns)),
		SessionId:       aws.String(sessionID),
		MaxResults:      aws.Int32(1),
		IncludePayloads: aws.Bool(true),
	})
	if err != nil {
		if isAgentCoreNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events in %s: %w: %v", sessionID, ErrUnavailable, err)
	}
	if len(out.Events) == 0 {
		return nil, nil
	}
	return &out.Events[0], nil
}

func isAgentCoreNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}

// kvDoc is the blob payload document shape for key-value events.
func kvDoc(value any) map[string]any {
	return map[string]any{"_type": "kv", "value": value}
}

func tombstoneDoc() map[string]any {
	return map[string]any{"_type": "tombstone", "deletedAt": time.Now().UTC().Format(time.RFC3339)}
}

func lineDoc(line string) map[string]any {
	return map[string]any{"_type": "line", "text": line}
}

func blobPayload(doc map[string]any) types.PayloadType {
	return &types.PayloadTypeMemberBlob{Value: document.NewLazyDocument(doc)}
}

// payloadDoc recovers the payload document from an event, resolving the
// text-form blob encodings the API sometimes returns.
func payloadDoc(ev *types.Event) map[string]any {
	for _, p := range ev.Payload {
		blob, ok := p.(*types.PayloadTypeMemberBlob)
		if !ok || blob.Value == nil {
			continue
		}
		var v any
		if err := blob.Value.UnmarshalSmithyDocument(&v); err != nil {
			continue
		}
		switch doc := v.(type) {
		case map[string]any:
			return doc
		case string:
			if decoded := decodeBlobText(doc); decoded != nil {
				return decoded
			}
			// Unrecognized text form: pass the raw string through as a line.
			return map[string]any{"_type": "line", "text": doc}
		}
	}
	return nil
}

func docType(doc map[string]any) string {
	t, _ := doc["_type"].(string)
	return t
}

// Get returns the value of the most recent kv event, or absent when the key
// has never been written or its latest event is a tombstone.
func (b *EventMemoryBackend) Get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	start := time.Now()
	value, ok, err := b.get(ctx, ns, key)
	metrics.ObserveOp(BackendAgentCore, "get", start, err)
	return value, ok, err
}

func (b *EventMemoryBackend) get(ctx context.Context, ns Namespace, key string) (any, bool, error) {
	ev, err := b.latestEvent(ctx, ns, kvSessionID(key))
	if err != nil {
		return nil, false, err
	}
	if ev == nil {
		return nil, false, nil
	}
	doc := payloadDoc(ev)
	if doc == nil {
		return nil, false, fmt.Errorf("event %s has no readable payload: %w", aws.ToString(ev.EventId), ErrCorruption)
	}
	if docType(doc) == "tombstone" {
		return nil, false, nil
	}
	return doc["value"], true, nil
}

// Set writes one kv event. A Set after a tombstone resurrects the key; the
// latest event wins.
func (b *EventMemoryBackend) Set(ctx context.Context, ns Namespace, key string, value any) error {
	start := time.Now()
	err := b.createEvent(ctx, ns, kvSessionID(key), []types.PayloadType{blobPayload(kvDoc(value))})
	metrics.ObserveOp(BackendAgentCore, "set", start, err)
	return err
}

// Delete writes a tombstone event that shadows all prior events for the
// key. Returns true if a non-tombstone value existed. Idempotent: deleting
// an absent or already-tombstoned key writes nothing.
func (b *EventMemoryBackend) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	start := time.Now()
	existed, err := b.del(ctx, ns, key)
	metrics.ObserveOp(BackendAgentCore, "delete", start, err)
	return existed, err
}

func (b *EventMemoryBackend) del(ctx context.Context, ns Namespace, key string) (bool, error) {
	_, existed, err := b.get(ctx, ns, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := b.createEvent(ctx, ns, kvSessionID(key), []types.PayloadType{blobPayload(tombstoneDoc())}); err != nil {
		return false, err
	}
	return true, nil
}

// List enumerates kv sessions under the namespace actor, strips the session
// prefix, filters by key prefix, and drops tombstoned keys.
func (b *EventMemoryBackend) List(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := b.list(ctx, ns, prefix)
	metrics.ObserveOp(BackendAgentCore, "list", start, err)
	return keys, err
}

func (b *EventMemoryBackend) list(ctx context.Context, ns Namespace, prefix string) ([]string, error) {
	var keys []string
	var nextToken *string
	for {
		lctx, cancel := opContext(ctx)
		out, err := b.client.ListSessions(lctx, &bedrockagentcore.ListSessionsInput{
			MemoryId:   aws.String(b.memoryID),
			ActorId:    aws.String(b.actorID(ns)),
			MaxResults: aws.Int32(listSessionsPageSize),
			NextToken:  nextToken,
		})
		cancel()
		if err != nil {
			if isAgentCoreNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("list sessions for %s: %w: %v", ns, ErrUnavailable, err)
		}
		for _, s := range out.SessionSummaries {
			sid := aws.ToString(s.SessionId)
			if !strings.HasPrefix(sid, kvSessionPrefix) {
				continue
			}
			key := strings.TrimPrefix(sid, kvSessionPrefix)
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			// A tombstoned key is absent and must not be listed.
			_, exists, err := b.get(ctx, ns, key)
			if err != nil {
				return nil, err
			}
			if exists {
				keys = append(keys, key)
			}
		}
		if out.NextToken == nil {
			return keys, nil
		}
		nextToken = out.NextToken
	}
}

// Update reads the latest value, applies fn, and writes a new event (or
// tombstone). Not atomic against concurrent writers: between the read and
// the write another writer may slip in, and the last event wins.
func (b *EventMemoryBackend) Update(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	start := time.Now()
	next, err := b.updateKV(ctx, ns, key, fn)
	metrics.ObserveOp(BackendAgentCore, "update", start, err)
	return next, err
}

func (b *EventMemoryBackend) updateKV(ctx context.Context, ns Namespace, key string, fn Updater) (any, error) {
	current, exists, err := b.get(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	next, remove := fn(current, exists)
	if remove {
		if exists {
			if err := b.createEvent(ctx, ns, kvSessionID(key), []types.PayloadType{blobPayload(tombstoneDoc())}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if err := b.createEvent(ctx, ns, kvSessionID(key), []types.PayloadType{blobPayload(kvDoc(next))}); err != nil {
		return nil, err
	}
	return next, nil
}

// Append creates one event whose blob payload carries the raw line for
// faithful recovery. When the line is a conversational transcript record, a
// second conversational payload is emitted in the same event so the memory
// service can run long-term extraction over it.
func (b *EventMemoryBackend) Append(ctx context.Context, ns Namespace, key, line string) error {
	start := time.Now()
	payloads := []types.PayloadType{blobPayload(lineDoc(line))}
	if conv, ok := conversationalPayload(line); ok {
		payloads = append(payloads, conv)
	}
	err := b.createEvent(ctx, ns, trSessionID(key), payloads)
	metrics.ObserveOp(BackendAgentCore, "append", start, err)
	return err
}

// conversationalPayload derives a {role, content: {text}} payload from a
// transcript line that carries a user or assistant message.
func conversationalPayload(line string) (types.PayloadType, bool) {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return nil, false
	}
	msg := record
	if inner, ok := record["message"].(map[string]any); ok {
		msg = inner
	}
	roleStr, _ := msg["role"].(string)
	var role types.Role
	switch strings.ToLower(roleStr) {
	case "user":
		role = types.RoleUser
	case "assistant":
		role = types.RoleAssistant
	default:
		return nil, false
	}
	text := flattenContentText(msg["content"])
	if text == "" {
		text = line
	}
	return &types.PayloadTypeMemberConversational{
		Value: types.Conversational{
			Role:    role,
			Content: &types.ContentMemberText{Value: text},
		},
	}, true
}

// flattenContentText joins the text parts of a message content field.
func flattenContentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			if part, ok := item.(map[string]any); ok {
				if text, ok := part["text"].(string); ok && text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ReadLines yields the line payloads of a transcript stream in the order
// the event API returns them, which is newest first. Readers that need
// chronological order reverse the result; the transcript location reader
// does exactly that.
func (b *EventMemoryBackend) ReadLines(ctx context.Context, ns Namespace, key string) iter.Seq2[string, error] {
	return b.readSession(ctx, ns, trSessionID(key))
}

// ReadSessionLines reads a transcript event stream addressed directly by
// its session id, for agentcore transcript locations that carry the raw
// stream id.
func (b *EventMemoryBackend) ReadSessionLines(ctx context.Context, sessionID string) iter.Seq2[string, error] {
	return b.readSession(ctx, NamespaceTranscripts, sessionID)
}

func (b *EventMemoryBackend) readSession(ctx context.Context, ns Namespace, sessionID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		var nextToken *string
		for {
			lctx, cancel := opContext(ctx)
			out, err := b.client.ListEvents(lctx, &bedrockagentcore.ListEventsInput{
				MemoryId:        aws.String(b.memoryID),
				ActorId:         aws.String(b.actorID(ns)),
				SessionId:       aws.String(sessionID),
				MaxResults:      aws.Int32(listEventsPageSize),
				NextToken:       nextToken,
				IncludePayloads: aws.Bool(true),
			})
			cancel()
			if err != nil {
				if isAgentCoreNotFound(err) {
					metrics.ObserveOp(BackendAgentCore, "readLines", start, nil)
					return
				}
				metrics.ObserveOp(BackendAgentCore, "readLines", start, err)
				yield("", fmt.Errorf("list events in %s: %w: %v", sessionID, ErrUnavailable, err))
				return
			}
			for i := range out.Events {
				doc := payloadDoc(&out.Events[i])
				if doc == nil || docType(doc) != "line" {
					continue
				}
				text, _ := doc["text"].(string)
				if text == "" {
					continue
				}
				if !yield(text, nil) {
					return
				}
			}
			if out.NextToken == nil {
				metrics.ObserveOp(BackendAgentCore, "readLines", start, nil)
				return
			}
			nextToken = out.NextToken
		}
	}
}

// HealthCheck probes the memory resource with a bounded session listing.
func (b *EventMemoryBackend) HealthCheck(ctx context.Context) HealthResult {
	ctx, cancel := probeContext(ctx)
	defer cancel()

	start := time.Now()
	result := HealthResult{OK: true}
	if b.client == nil {
		result = HealthResult{Error: "not initialized"}
	} else {
		_, err := b.client.ListSessions(ctx, &bedrockagentcore.ListSessionsInput{
			MemoryId:   aws.String(b.memoryID),
			ActorId:    aws.String(b.actorID(NamespaceSessions)),
			MaxResults: aws.Int32(1),
		})
		if err != nil && !isAgentCoreNotFound(err) {
			result = HealthResult{Error: err.Error()}
		}
	}
	result.Latency = time.Since(start)
	metrics.RecordProbe(BackendAgentCore, result.OK, result.Latency, result.Error)
	return result
}

package storage

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore/types"
)

const testMemoryArn = "arn:aws:bedrock-agentcore:us-east-1:123456789012:memory/mem-test"

// fakeAgentCoreClient is an in-memory event store. Events are held oldest
// first; ListEvents returns them newest first, the way the real API does.
// Pages are capped at two items to exercise pagination.
type fakeAgentCoreClient struct {
	mu      sync.Mutex
	events  map[string][]types.Event // actor|session → events, oldest first
	streams map[string][]string      // actor → session ids in creation order
	nextID  int
}

func newFakeAgentCoreClient() *fakeAgentCoreClient {
	return &fakeAgentCoreClient{
		events:  make(map[string][]types.Event),
		streams: make(map[string][]string),
	}
}

const fakePageSize = 2

func streamKey(actor, session string) string { return actor + "|" + session }

func (f *fakeAgentCoreClient) CreateEvent(ctx context.Context, in *bedrockagentcore.CreateEventInput, _ ...func(*bedrockagentcore.Options)) (*bedrockagentcore.CreateEventOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	actor := aws.ToString(in.ActorId)
	session := aws.ToString(in.SessionId)
	key := streamKey(actor, session)
	if len(f.events[key]) == 0 {
		f.streams[actor] = append(f.streams[actor], session)
	}
	f.nextID++
	ev := types.Event{
		EventId:        aws.String(fmt.Sprintf("ev-%d", f.nextID)),
		ActorId:        in.ActorId,
		SessionId:      in.SessionId,
		MemoryId:       in.MemoryId,
		EventTimestamp: in.EventTimestamp,
		Payload:        in.Payload,
	}
	f.events[key] = append(f.events[key], ev)
	return &bedrockagentcore.CreateEventOutput{Event: &ev}, nil
}

func (f *fakeAgentCoreClient) ListEvents(ctx context.Context, in *bedrockagentcore.ListEventsInput, _ ...func(*bedrockagentcore.Options)) (*bedrockagentcore.ListEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := streamKey(aws.ToString(in.ActorId), aws.ToString(in.SessionId))
	stored := f.events[key]

	// Newest first.
	reversed := make([]types.Event, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		reversed = append(reversed, stored[i])
	}

	offset := 0
	if in.NextToken != nil {
		offset, _ = strconv.Atoi(*in.NextToken)
	}
	limit := fakePageSize
	if in.MaxResults != nil && int(*in.MaxResults) < limit {
		limit = int(*in.MaxResults)
	}

	end := offset + limit
	if end > len(reversed) {
		end = len(reversed)
	}
	out := &bedrockagentcore.ListEventsOutput{Events: reversed[offset:end]}
	if end < len(reversed) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeAgentCoreClient) ListSessions(ctx context.Context, in *bedrockagentcore.ListSessionsInput, _ ...func(*bedrockagentcore.Options)) (*bedrockagentcore.ListSessionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions := f.streams[aws.ToString(in.ActorId)]
	offset := 0
	if in.NextToken != nil {
		offset, _ = strconv.Atoi(*in.NextToken)
	}
	end := offset + fakePageSize
	if end > len(sessions) {
		end = len(sessions)
	}

	out := &bedrockagentcore.ListSessionsOutput{}
	for _, sid := range sessions[offset:end] {
		out.SessionSummaries = append(out.SessionSummaries, types.SessionSummary{
			SessionId: aws.String(sid),
			ActorId:   in.ActorId,
			CreatedAt: aws.Time(time.Now()),
		})
	}
	if end < len(sessions) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func newTestEventMemoryBackend(t *testing.T) (*EventMemoryBackend, *fakeAgentCoreClient) {
	t.Helper()
	client := newFakeAgentCoreClient()
	b, err := NewEventMemoryBackend(EventMemoryOptions{
		MemoryArn: testMemoryArn,
		Client:    client,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return b, client
}

func TestEventMemoryRoundTrip(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	want := map[string]any{"channel": "telegram", "turns": 3}
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

func TestEventMemoryLatestEventWins(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v1"); err != nil {
		t.Fatalf("set v1: %v", err)
	}
	if err := b.Set(ctx, NamespaceSessions, "k", "v2"); err != nil {
		t.Fatalf("set v2: %v", err)
	}
	value, _, err := b.Get(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	jsonEqual(t, "v2", value)
}

func TestEventMemoryTombstone(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	existed, err := b.Delete(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Error("delete of live key should report existed")
	}

	_, ok, err := b.Get(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("tombstoned key should be absent")
	}

	keys, err := b.List(ctx, NamespaceSessions, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, k := range keys {
		if k == "k" {
			t.Error("tombstoned key appeared in list")
		}
	}

	existed, err = b.Delete(ctx, NamespaceSessions, "k")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if existed {
		t.Error("second delete should report not existed")
	}
}

func TestEventMemorySetAfterTombstoneResurrects(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	if err := b.Set(ctx, NamespaceSessions, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := b.Delete(ctx, NamespaceSessions, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Set(ctx, NamespaceSessions, "k", "v2"); err != nil {
		t.Fatalf("set after tombstone: %v", err)
	}
	value, ok, err := b.Get(ctx, NamespaceSessions, "k")
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	jsonEqual(t, "v2", value)
}

func TestEventMemoryListPaginatesAndFilters(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	// Enough keys to force ListSessions pagination in the fake.
	for _, key := range []string{"chat-1", "chat-2", "chat-3", "voice-1", "voice-2"} {
		if err := b.Set(ctx, NamespaceSessions, key, "x"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	// A transcript stream under the same actor must not appear in List.
	if err := b.Append(ctx, NamespaceSessions, "chat-1", "line"); err != nil {
		t.Fatalf("append: %v", err)
	}

	keys, err := b.List(ctx, NamespaceSessions, "chat-")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("list = %v, want the 3 chat keys", keys)
	}
}

func TestEventMemoryUpdate(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	next, err := b.Update(ctx, NamespaceSessions, "counter", func(current any, exists bool) (any, bool) {
		if exists {
			t.Error("first update should see an absent key")
		}
		return map[string]any{"n": 1}, false
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	jsonEqual(t, map[string]any{"n": 1}, next)

	next, err = b.Update(ctx, NamespaceSessions, "counter", func(current any, exists bool) (any, bool) {
		return nil, true
	})
	if err != nil {
		t.Fatalf("removing update: %v", err)
	}
	if next != nil {
		t.Errorf("removed key returned %v", next)
	}
	_, ok, _ := b.Get(ctx, NamespaceSessions, "counter")
	if ok {
		t.Error("key should be tombstoned after removing update")
	}
}

func TestEventMemoryAppendReadLines(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	ctx := context.Background()

	lines := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for _, line := range lines {
		if err := b.Append(ctx, NamespaceTranscripts, "sess", line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// The event API returns newest first; ReadLines preserves that order.
	var got []string
	for line, err := range b.ReadLines(ctx, NamespaceTranscripts, "sess") {
		if err != nil {
			t.Fatalf("readLines: %v", err)
		}
		got = append(got, line)
	}
	want := []string{`{"n":3}`, `{"n":2}`, `{"n":1}`}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventMemoryAppendEmitsConversationalPayload(t *testing.T) {
	b, client := newTestEventMemoryBackend(t)
	ctx := context.Background()

	line := `{"message":{"role":"assistant","content":[{"text":"hi"}]}}`
	if err := b.Append(ctx, NamespaceTranscripts, "sess", line); err != nil {
		t.Fatalf("append: %v", err)
	}

	key := streamKey(b.actorID(NamespaceTranscripts), trSessionID("sess"))
	events := client.events[key]
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	var haveBlob, haveConversational bool
	for _, p := range events[0].Payload {
		switch pt := p.(type) {
		case *types.PayloadTypeMemberBlob:
			haveBlob = true
		case *types.PayloadTypeMemberConversational:
			haveConversational = true
			if pt.Value.Role != types.RoleAssistant {
				t.Errorf("role = %v, want assistant", pt.Value.Role)
			}
			text, ok := pt.Value.Content.(*types.ContentMemberText)
			if !ok || text.Value != "hi" {
				t.Errorf("content = %#v, want text hi", pt.Value.Content)
			}
		}
	}
	if !haveBlob {
		t.Error("blob payload missing; faithful recovery requires it")
	}
	if !haveConversational {
		t.Error("conversational payload missing for role-bearing line")
	}
}

func TestEventMemoryAppendPlainLineSkipsConversational(t *testing.T) {
	b, client := newTestEventMemoryBackend(t)
	ctx := context.Background()

	if err := b.Append(ctx, NamespaceTranscripts, "sess", `{"type":"system","note":"boot"}`); err != nil {
		t.Fatalf("append: %v", err)
	}
	key := streamKey(b.actorID(NamespaceTranscripts), trSessionID("sess"))
	for _, p := range client.events[key][0].Payload {
		if _, ok := p.(*types.PayloadTypeMemberConversational); ok {
			t.Error("non-conversational line got a conversational payload")
		}
	}
}

func TestEventMemoryReadLinesDecodesTextFormBlobs(t *testing.T) {
	b, client := newTestEventMemoryBackend(t)
	ctx := context.Background()

	// Plant an event whose blob came back as Python-dict-like text.
	raw := `{_type=line, text={"role":"assistant","content":[{"text":"hi"}]}}`
	key := streamKey(b.actorID(NamespaceTranscripts), trSessionID("sess"))
	client.events[key] = append(client.events[key], types.Event{
		EventId:   aws.String("ev-raw"),
		SessionId: aws.String(trSessionID("sess")),
		Payload: []types.PayloadType{
			&types.PayloadTypeMemberBlob{Value: document.NewLazyDocument(raw)},
		},
	})

	var got []string
	for line, err := range b.ReadLines(ctx, NamespaceTranscripts, "sess") {
		if err != nil {
			t.Fatalf("readLines: %v", err)
		}
		got = append(got, line)
	}
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1", len(got))
	}
	want := `{"role":"assistant","content":[{"text":"hi"}]}`
	if got[0] != want {
		t.Errorf("line = %q, want %q", got[0], want)
	}
}

func TestEventMemoryNamespacePrefixScopesActor(t *testing.T) {
	client := newFakeAgentCoreClient()
	b, err := NewEventMemoryBackend(EventMemoryOptions{
		MemoryArn:       testMemoryArn,
		NamespacePrefix: "tenant-a",
		Client:          client,
	})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	want := "openclaw-storage/tenant-a/sessions"
	if got := b.actorID(NamespaceSessions); got != want {
		t.Errorf("actorID = %q, want %q", got, want)
	}
}

func TestEventMemoryRequiresMemoryArn(t *testing.T) {
	_, err := NewEventMemoryBackend(EventMemoryOptions{})
	if err == nil {
		t.Fatal("expected error for missing memory ARN")
	}
}

func TestEventMemoryHealthCheck(t *testing.T) {
	b, _ := newTestEventMemoryBackend(t)
	result := b.HealthCheck(context.Background())
	if !result.OK {
		t.Errorf("health check failed: %s", result.Error)
	}
}

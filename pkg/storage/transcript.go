package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yunfeilu92/openclaw/pkg/config"
)

// agentCoreScheme prefixes cloud transcript locations:
// agentcore://<memoryArn>/<sessionId>. The memory ARN itself contains
// slashes, so the session id is everything after the last slash.
const agentCoreScheme = "agentcore://"

// TranscriptLocationFile and TranscriptLocationAgentCore tag the two
// transcript location forms.
const (
	TranscriptLocationFile      = "file"
	TranscriptLocationAgentCore = "agentcore"
)

// TranscriptLocation is a parsed transcript URI: either an absolute
// filesystem path to a .jsonl file, or a (memoryArn, sessionId) pair
// addressing a cloud event stream.
type TranscriptLocation struct {
	Type      string
	Path      string
	MemoryArn string
	SessionID string
}

// IsAgentCoreURI reports whether s is an agentcore transcript location.
func IsAgentCoreURI(s string) bool {
	return strings.HasPrefix(s, agentCoreScheme)
}

// BuildAgentCoreTranscriptURI composes agentcore://<memoryArn>/<sessionId>.
func BuildAgentCoreTranscriptURI(memoryArn, sessionID string) string {
	return agentCoreScheme + memoryArn + "/" + sessionID
}

// ParseTranscriptURI parses a transcript location. agentcore URIs split the
// post-scheme remainder at the last slash; both halves must be non-empty.
// Anything else is a file location.
func ParseTranscriptURI(s string) (TranscriptLocation, error) {
	if !IsAgentCoreURI(s) {
		return TranscriptLocation{Type: TranscriptLocationFile, Path: s}, nil
	}
	rest := strings.TrimPrefix(s, agentCoreScheme)
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return TranscriptLocation{}, fmt.Errorf("malformed agentcore URI %q: %w", s, ErrInvalidArgument)
	}
	return TranscriptLocation{
		Type:      TranscriptLocationAgentCore,
		MemoryArn: rest[:i],
		SessionID: rest[i+1:],
	}, nil
}

// ReadTranscriptMessagesFromURI reads the transcript a session record points
// at and returns its messages in chronological order, with event-API content
// mangling repaired.
//
// File locations read the JSONL file directly; a missing file yields no
// messages. AgentCore locations construct a fresh, non-singleton service
// from cfg, read the event stream, and reverse the result — the event API
// returns newest first.
func ReadTranscriptMessagesFromURI(ctx context.Context, uri string, cfg *config.Config) ([]any, error) {
	loc, err := ParseTranscriptURI(uri)
	if err != nil {
		return nil, err
	}

	if loc.Type == TranscriptLocationFile {
		return readTranscriptFile(loc.Path)
	}

	svc, err := NewService(cfg)
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	backend, err := svc.GetBackend(ctx, NamespaceTranscripts)
	if err != nil {
		return nil, err
	}
	eventBackend, ok := backend.(*EventMemoryBackend)
	if !ok {
		return nil, fmt.Errorf("transcripts resolve to %s, not an event stream backend: %w", backend.Type(), ErrInvalidArgument)
	}
	return readTranscriptEvents(ctx, eventBackend, loc.SessionID)
}

// readTranscriptFile reads a JSONL transcript: every parseable line whose
// record carries a message field contributes that message, sanitized.
func readTranscriptFile(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}

	var messages []any
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if msg, ok := messageFromLine(line); ok {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// readTranscriptEvents reads an event stream and reverses it into
// chronological order.
func readTranscriptEvents(ctx context.Context, backend *EventMemoryBackend, sessionID string) ([]any, error) {
	var messages []any
	for line, err := range backend.ReadSessionLines(ctx, sessionID) {
		if err != nil {
			return nil, err
		}
		if msg, ok := messageFromLine(line); ok {
			messages = append(messages, msg)
		}
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// messageFromLine parses a transcript line and extracts its sanitized
// message field, if any.
func messageFromLine(line string) (any, bool) {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return nil, false
	}
	msg, ok := record["message"]
	if !ok {
		return nil, false
	}
	return SanitizeMessageContent(msg), true
}

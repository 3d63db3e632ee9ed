/*
Package storage provides the pluggable storage layer backing OpenClaw's
conversational agent platform.

The package exposes a uniform namespaced key-value and append-log contract
over four heterogeneous backends — local filesystem, the AgentCore memory
event service, DynamoDB, and Secrets Manager — and routes each namespace to
the backend its data classification demands. Vendor quirks (event-sourced
keys, opaque blob encodings, soft deletes, cache coherence) stay behind the
Backend interface.

# Architecture

	┌───────────────────── STORAGE SERVICE ─────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │            StorageService (router)          │           │
	│  │  - GetBackend(namespace) → Backend          │           │
	│  │  - Lazy construction, memoized backends     │           │
	│  │  - Health aggregation, config summary       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Classification Routing             │           │
	│  │  sessions    → dynamodb | agentcore | file  │           │
	│  │  transcripts → agentcore | file             │           │
	│  │  auth        → secrets-manager | file       │           │
	│  │  config      → file                         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │               Backends                      │           │
	│  │  FileBackend       .json/.jsonl + locks     │           │
	│  │  EventMemoryBackend events + tombstones     │           │
	│  │  DocumentDBBackend TTL + conditional writes │           │
	│  │  SecretsBackend    encrypted credentials    │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Transcript Locations               │           │
	│  │  file:      /path/to/session.jsonl          │           │
	│  │  agentcore: agentcore://<memoryArn>/<sid>   │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Semantics

Get never fails for missing keys; absence is a boolean. Delete is idempotent
and reports whether a value existed; on the event memory backend it is a
tombstone whose presence shadows all prior events for the key. Update is an
atomic read-modify-write on the file backend (inter-process file lock) and
the document database (conditional write on a rev counter); on the event
memory backend it is best-effort read-then-write.

Values cross the cache boundary as deep clones in both directions, so
callers never alias cached state. Every operation takes a context; network
calls get a 10 second default deadline, health probes 2 seconds.

# Usage

	cfg, err := config.Load("storage.yaml")
	if err != nil { ... }
	svc, err := storage.NewService(cfg)
	if err != nil { ... }
	defer svc.Close()

	backend, err := svc.GetBackend(ctx, storage.NamespaceSessions)
	if err != nil { ... }
	if err := backend.Set(ctx, storage.NamespaceSessions, "abc", session); err != nil { ... }
*/
package storage

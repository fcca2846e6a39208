// Package tracer provides a lightweight tracing abstraction for doublet lookups.
//
// The resolver emits spans through this interface instead of OpenTelemetry
// directly, so tests run with NoopTracer and production wires OTelTracer.
//
// Spans emitted per lookup:
//   - doublet.find: the whole lookup, with candidate count and tie-break stage
//   - doublet.search: one per category filter search
//   - doublet.failsafe: the free-text fallback, when triggered
//   - doublet.tiebreak: case and freshness resolution
package tracer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred.
	// End must be called exactly once, typically via defer.
	End(err error)

	SetAttributes(attrs ...Attribute)

	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span; the returned context carries it to child calls.
	//
	// Example:
	//   ctx, span := t.Start(ctx, tracer.SpanFind,
	//       tracer.String(tracer.AttrEmailHash, tracer.HashPII(q.Email)),
	//   )
	//   defer span.End(err)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: int64(value)}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// HashPII returns a short SHA-256 prefix of a personal value so spans can be
// correlated without carrying names, emails or phone numbers.
func HashPII(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:8])
}

// Span names.
const (
	SpanFind     = "doublet.find"
	SpanSearch   = "doublet.search"
	SpanFailsafe = "doublet.failsafe"
	SpanTiebreak = "doublet.tiebreak"
)

// Attribute keys.
const (
	AttrEmailHash  = "query.email_hash"
	AttrNameHash   = "query.name_hash"
	AttrCategory   = "contact.category"
	AttrCandidates = "candidates"
	AttrQualified  = "candidates.qualified"
	AttrStage      = "tiebreak.stage"
	AttrStatus     = "crm.status"
	AttrFallback   = "failsafe.query"
	AttrMatched    = "matched"
)

// Event names.
const (
	EventFailsafeTriggered = "failsafe.triggered"
	EventBreakerOpen       = "breaker.open"
)

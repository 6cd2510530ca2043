package firelancer

import (
	"context"
	"encoding/json"
	"fmt"
)

// RequestContext carries the request-scoped metadata that must survive the
// job-queue boundary. Jobs run outside the originating HTTP request, so the
// context is reduced to a plain serializable form when a job is enqueued and
// reconstructed inside the processor.
type RequestContext struct {
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	// APIType records which API surface originated the request
	// ("admin" or "shop").
	APIType string `json:"api_type,omitempty"`
	// LanguageCode is the content language of the originating request.
	LanguageCode string `json:"language_code,omitempty"`
}

// Serialize encodes the context for embedding in a job payload.
func (rc RequestContext) Serialize() json.RawMessage {
	data, err := json.Marshal(rc)
	if err != nil {
		// RequestContext contains only plain strings; this cannot fail.
		panic(fmt.Sprintf("firelancer: serialize request context: %v", err))
	}
	return data
}

// DeserializeRequestContext reconstructs a RequestContext from its
// serialized form. An empty payload yields a zero context.
func DeserializeRequestContext(data json.RawMessage) (RequestContext, error) {
	var rc RequestContext
	if len(data) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("firelancer: deserialize request context: %w", err)
	}
	return rc, nil
}

type requestContextKey struct{}

// WithRequestContext attaches a RequestContext to a context.Context.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext from a context.Context.
// Returns a zero context when none is attached.
func RequestContextFrom(ctx context.Context) RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(RequestContext)
	return rc
}

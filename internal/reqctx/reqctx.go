// Package reqctx carries per-request identity through a context.Context so
// concurrent turns for different users never share state.
package reqctx

import (
	"context"

	"github.com/rs/zerolog"
)

// Hooks are optional callbacks invoked by the delivery path for the request
// that owns the scope.
type Hooks struct {
	OnDelivered func(conversationID, activityID string)
	OnFailed    func(reason string, err error)
}

type Scope struct {
	// Identity is the agent UPN used for token acquisition.
	Identity string
	Role     string

	// Delivery coordinates of the inbound activity being handled, if any.
	ConversationID string
	ServiceURL     string
	TenantID       string

	Hooks Hooks
}

type scopeKey struct{}

func With(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func From(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}

// Logger returns log annotated with the scope's identifiers.
func Logger(ctx context.Context, log zerolog.Logger) zerolog.Logger {
	scope, ok := From(ctx)
	if !ok {
		return log
	}
	lc := log.With()
	if scope.Identity != "" {
		lc = lc.Str("identity", scope.Identity)
	}
	if scope.ConversationID != "" {
		lc = lc.Str("conversation_id", scope.ConversationID)
	}
	return lc.Logger()
}

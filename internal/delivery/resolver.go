package delivery

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/reqctx"
	"go.mau.fi/teams-agents/internal/teams/model"
)

var ErrDeliveryTargetUnresolved = errors.New("no delivery target; recipient must have messaged the agent first")

const (
	MetaConversationID = "conversationId"
	MetaServiceURL     = "serviceUrl"
	MetaTenantID       = "tenantId"
)

type Source string

const (
	SourceDirect      Source = "direct"
	SourceStore       Source = "store"
	SourceUser        Source = "user_fallback"
	SourceSynthesized Source = "synthesized"
)

// ReferenceLookup is the read side of the conversation reference store.
type ReferenceLookup interface {
	GetByID(ctx context.Context, conversationID string) (*model.ConversationReference, error)
	GetByUser(ctx context.Context, userAADID string) (*model.ConversationReference, error)
}

type Request struct {
	To         string
	ServiceURL string
	TenantID   string
	Metadata   map[string]string
}

type Target struct {
	ConversationID string `json:"conversationId"`
	ServiceURL     string `json:"serviceUrl"`
	Source         Source `json:"source"`
	// Reference is set when the target came from the store.
	Reference *model.ConversationReference `json:"-"`
}

type Resolver struct {
	Store ReferenceLookup
	Log   zerolog.Logger
}

func NewResolver(store ReferenceLookup, log zerolog.Logger) *Resolver {
	return &Resolver{Store: store, Log: log}
}

// Resolve turns a possibly prefixed or partial target into delivery
// coordinates. Coordinates passed in directly win, then a stored reference by
// conversation id, then by AAD object id. When the store has nothing, an
// explicit service URL on the request is used as is, and only without one is
// a regional endpoint synthesized from the tenant.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Target, error) {
	log := reqctx.Logger(ctx, r.Log).With().Str("to", req.To).Logger()
	bare := NormalizeTarget(req.To)
	scope, _ := reqctx.From(ctx)

	if target := directTarget(bare, req, scope); target != nil {
		return target, nil
	}

	if r.Store != nil && bare != "" {
		ref, err := r.Store.GetByID(ctx, bare)
		if err != nil {
			log.Warn().Err(err).Msg("Conversation reference lookup failed")
		} else if ref.Deliverable() {
			return storeTarget(ref, SourceStore), nil
		}

		if LooksLikeUserID(bare) {
			if aadID, ok := aadObjectID(bare); !ok {
				log.Debug().Msg("Target has no conversation separators but is not an AAD object id, skipping user lookup")
			} else {
				log.Info().Str("user_aad_id", aadID).Msg("Target looks like a user id, trying user lookup")
				ref, err = r.Store.GetByUser(ctx, aadID)
				if err != nil {
					log.Warn().Err(err).Msg("User reference lookup failed")
				} else if ref.Deliverable() {
					log.Info().Str("conversation_id", ref.ConversationID).Msg("Resolved target through user fallback")
					return storeTarget(ref, SourceUser), nil
				}
			}
		}
	}

	if bare != "" {
		if explicit := strings.TrimSpace(req.ServiceURL); explicit != "" {
			log.Info().Str("service_url", explicit).Msg("No stored reference, using the service URL from the request")
			return &Target{ConversationID: bare, ServiceURL: explicit, Source: SourceDirect}, nil
		}
		if tenantID := firstNonEmpty(req.TenantID, req.Metadata[MetaTenantID], scope.TenantID); tenantID != "" {
			serviceURL := SynthesizeServiceURL(tenantID)
			log.Warn().
				Str("tenant_id", tenantID).
				Str("service_url", serviceURL).
				Msg("No stored reference, falling back to synthesized service URL")
			return &Target{ConversationID: bare, ServiceURL: serviceURL, Source: SourceSynthesized}, nil
		}
	}

	log.Warn().Msg("Failed to resolve delivery target")
	return nil, ErrDeliveryTargetUnresolved
}

// directTarget only uses coordinates from metadata or the request scope when
// they describe the conversation being addressed, so a reply context never
// redirects a message meant for someone else.
func directTarget(bare string, req Request, scope reqctx.Scope) *Target {
	metaConv := strings.TrimSpace(req.Metadata[MetaConversationID])
	metaURL := firstNonEmpty(req.ServiceURL, req.Metadata[MetaServiceURL])
	if metaConv != "" && metaURL != "" && (bare == "" || bare == metaConv) {
		return &Target{ConversationID: metaConv, ServiceURL: metaURL, Source: SourceDirect}
	}
	scopeURL := firstNonEmpty(req.ServiceURL, scope.ServiceURL)
	if scope.ConversationID != "" && scopeURL != "" && (bare == "" || bare == scope.ConversationID) {
		return &Target{ConversationID: scope.ConversationID, ServiceURL: scopeURL, Source: SourceDirect}
	}
	if explicit := strings.TrimSpace(req.ServiceURL); explicit != "" && bare != "" && !LooksLikeUserID(bare) {
		return &Target{ConversationID: bare, ServiceURL: explicit, Source: SourceDirect}
	}
	return nil
}

func storeTarget(ref *model.ConversationReference, source Source) *Target {
	return &Target{
		ConversationID: ref.ConversationID,
		ServiceURL:     ref.ServiceURL,
		Source:         source,
		Reference:      ref,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

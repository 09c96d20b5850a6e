package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/reqctx"
	"go.mau.fi/teams-agents/internal/teams/auth"
	"go.mau.fi/teams-agents/internal/teams/model"
)

const BotFrameworkScope = "https://api.botframework.com/.default"

var ErrTransportSendFailed = errors.New("transport send failed")

type Reason string

const (
	ReasonConfigurationMissing     Reason = "configuration_missing"
	ReasonTokenAcquisitionFailed   Reason = "token_acquisition_failed"
	ReasonDeliveryTargetUnresolved Reason = "delivery_target_unresolved"
	ReasonTransportSendFailed      Reason = "transport_send_failed"
	ReasonInvalidPayload           Reason = "invalid_payload"
)

// TokenProvider is satisfied by *auth.Exchanger.
type TokenProvider interface {
	Acquire(ctx context.Context, cfg auth.GraphTokenConfig, identity, scope string) (string, error)
}

// Transport is satisfied by *client.ConnectorClient.
type Transport interface {
	SendActivity(ctx context.Context, serviceURL, conversationID, token string, activity *model.Activity) (string, error)
}

type Result struct {
	OK         bool    `json:"ok"`
	ActivityID string  `json:"activityId,omitempty"`
	Target     *Target `json:"target,omitempty"`
	Reason     Reason  `json:"reason,omitempty"`
	Err        error   `json:"-"`
}

type Sender struct {
	Resolver  *Resolver
	Tokens    TokenProvider
	Transport Transport
	// TokenConfig is called once per send so config and environment changes
	// are picked up without a restart. Validation is left to the provider.
	TokenConfig func() auth.GraphTokenConfig
	// AgentIdentity overrides the identity of the request scope.
	AgentIdentity string
	Log           zerolog.Logger
}

func (s *Sender) Send(ctx context.Context, req Request, payload Payload) (res Result) {
	log := reqctx.Logger(ctx, s.Log)
	scope, _ := reqctx.From(ctx)
	defer func() {
		if p := recover(); p != nil {
			res = Result{Reason: ReasonTransportSendFailed, Err: fmt.Errorf("%w: panic: %v", ErrTransportSendFailed, p), Target: res.Target}
		}
		if res.OK {
			log.Debug().Str("activity_id", res.ActivityID).Msg("Delivered activity")
			if scope.Hooks.OnDelivered != nil {
				scope.Hooks.OnDelivered(res.Target.ConversationID, res.ActivityID)
			}
			return
		}
		log.Warn().Err(res.Err).Str("reason", string(res.Reason)).Msg("Failed to deliver activity")
		if scope.Hooks.OnFailed != nil {
			scope.Hooks.OnFailed(string(res.Reason), res.Err)
		}
	}()

	activity, err := payload.Activity()
	if err != nil {
		return Result{Reason: ReasonInvalidPayload, Err: err}
	}
	if s.Resolver == nil || s.Tokens == nil || s.Transport == nil {
		return Result{Reason: ReasonConfigurationMissing, Err: fmt.Errorf("%w: sender is not fully configured", auth.ErrConfigurationMissing)}
	}

	target, err := s.Resolver.Resolve(ctx, req)
	if err != nil {
		return Result{Reason: ReasonDeliveryTargetUnresolved, Err: err}
	}

	identity := strings.TrimSpace(s.AgentIdentity)
	if identity == "" {
		identity = strings.TrimSpace(scope.Identity)
	}
	if identity == "" {
		return Result{Target: target, Reason: ReasonConfigurationMissing, Err: fmt.Errorf("%w: %w", auth.ErrConfigurationMissing, auth.ErrMissingIdentity)}
	}

	var cfg auth.GraphTokenConfig
	if s.TokenConfig != nil {
		cfg = s.TokenConfig()
	}
	token, err := s.Tokens.Acquire(ctx, cfg, identity, BotFrameworkScope)
	if err != nil {
		reason := ReasonTokenAcquisitionFailed
		if errors.Is(err, auth.ErrConfigurationMissing) {
			reason = ReasonConfigurationMissing
		}
		return Result{Target: target, Reason: reason, Err: err}
	}

	if target.Reference != nil && target.Reference.Agentic != nil {
		activity.From = model.ChannelAccount{
			ID:                    target.Reference.BotID,
			Name:                  target.Reference.BotName,
			AgenticAppID:          target.Reference.Agentic.AppID,
			AgenticUserID:         target.Reference.Agentic.UserID,
			AgenticAppBlueprintID: target.Reference.Agentic.AppBlueprintID,
			Role:                  target.Reference.Agentic.Role,
		}
	}
	activity.Conversation = model.ConversationAccount{ID: target.ConversationID}

	activityID, err := s.Transport.SendActivity(ctx, target.ServiceURL, target.ConversationID, token, activity)
	if err != nil {
		return Result{Target: target, Reason: ReasonTransportSendFailed, Err: fmt.Errorf("%w: %w", ErrTransportSendFailed, err)}
	}
	return Result{OK: true, ActivityID: activityID, Target: target}
}

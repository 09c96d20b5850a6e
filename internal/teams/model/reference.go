package model

import (
	"strings"
	"time"
)

// AgenticIdentity is the agents-platform metadata needed to rebuild the
// inbound turn context when sending proactively.
type AgenticIdentity struct {
	AppID          string `json:"agenticAppId,omitempty"`
	UserID         string `json:"agenticUserId,omitempty"`
	AppBlueprintID string `json:"agenticAppBlueprintId,omitempty"`
	Role           string `json:"role,omitempty"`
}

type ConversationReference struct {
	ConversationID   string           `json:"conversationId"`
	ServiceURL       string           `json:"serviceUrl"`
	ChannelID        string           `json:"channelId,omitempty"`
	BotID            string           `json:"botId,omitempty"`
	BotName          string           `json:"botName,omitempty"`
	UserID           string           `json:"userId,omitempty"`
	UserName         string           `json:"userName,omitempty"`
	UserAADID        string           `json:"userAadId,omitempty"`
	TenantID         string           `json:"tenantId,omitempty"`
	ConversationType string           `json:"conversationType,omitempty"`
	IsGroup          bool             `json:"isGroup"`
	UpdatedAt        int64            `json:"updatedAt"`
	Agentic          *AgenticIdentity `json:"agentic,omitempty"`
}

// Deliverable reports whether the reference has enough to send a message.
func (r *ConversationReference) Deliverable() bool {
	return r != nil && strings.TrimSpace(r.ConversationID) != "" && strings.TrimSpace(r.ServiceURL) != ""
}

func (r ConversationReference) Clone() ConversationReference {
	if r.Agentic != nil {
		agentic := *r.Agentic
		r.Agentic = &agentic
	}
	return r
}

// ReferenceFromActivity captures where a reply to the activity should go. The
// user is the sender and the bot is the recipient of the inbound message.
func ReferenceFromActivity(a *Activity, now time.Time) ConversationReference {
	ref := ConversationReference{
		ConversationID:   strings.TrimSpace(a.Conversation.ID),
		ServiceURL:       strings.TrimSpace(a.ServiceURL),
		ChannelID:        a.ChannelID,
		BotID:            a.Recipient.ID,
		BotName:          a.Recipient.Name,
		UserID:           a.From.ID,
		UserName:         a.From.Name,
		UserAADID:        strings.TrimSpace(a.From.AADObjectID),
		TenantID:         a.TenantID(),
		ConversationType: a.Conversation.ConversationType,
		IsGroup:          a.Conversation.IsGroup || isGroupConversationType(a.Conversation.ConversationType),
		UpdatedAt:        now.UnixMilli(),
	}
	if r := a.Recipient; r.AgenticAppID != "" || r.AgenticUserID != "" || r.AgenticAppBlueprintID != "" {
		ref.Agentic = &AgenticIdentity{
			AppID:          r.AgenticAppID,
			UserID:         r.AgenticUserID,
			AppBlueprintID: r.AgenticAppBlueprintID,
			Role:           r.Role,
		}
	}
	return ref
}

func isGroupConversationType(conversationType string) bool {
	switch strings.ToLower(strings.TrimSpace(conversationType)) {
	case "groupchat", "channel":
		return true
	}
	return false
}

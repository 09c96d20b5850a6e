package model

import "encoding/json"

const (
	ActivityTypeMessage = "message"

	TextFormatPlain    = "plain"
	TextFormatMarkdown = "markdown"
	TextFormatXML      = "xml"
)

type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
	Role        string `json:"role,omitempty"`

	// Agentic identity fields set by the agents platform on agent-hosted bots.
	AgenticAppID          string `json:"agenticAppId,omitempty"`
	AgenticUserID         string `json:"agenticUserId,omitempty"`
	AgenticAppBlueprintID string `json:"agenticAppBlueprintId,omitempty"`
}

type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
}

type TenantInfo struct {
	ID string `json:"id"`
}

type ChannelData struct {
	Tenant *TenantInfo `json:"tenant,omitempty"`
}

type Attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    string              `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	ChannelData  *ChannelData        `json:"channelData,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
}

// TenantID prefers the conversation's tenant over the channel data one.
func (a *Activity) TenantID() string {
	if a == nil {
		return ""
	}
	if a.Conversation.TenantID != "" {
		return a.Conversation.TenantID
	}
	if a.ChannelData != nil && a.ChannelData.Tenant != nil {
		return a.ChannelData.Tenant.ID
	}
	return ""
}

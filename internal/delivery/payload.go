package delivery

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"go.mau.fi/teams-agents/internal/teams/model"
)

var ErrEmptyPayload = errors.New("payload has neither text nor attachments")

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

type Payload struct {
	Text string
	// Markdown renders Text to HTML before sending.
	Markdown    bool
	TextFormat  string
	Attachments []model.Attachment
}

func (p Payload) Activity() (*model.Activity, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" && len(p.Attachments) == 0 {
		return nil, ErrEmptyPayload
	}
	activity := &model.Activity{
		Type:        model.ActivityTypeMessage,
		Text:        text,
		TextFormat:  p.TextFormat,
		Attachments: p.Attachments,
	}
	if p.Markdown && text != "" {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(text), &buf); err != nil {
			return nil, err
		}
		activity.Text = strings.TrimSpace(buf.String())
		activity.TextFormat = model.TextFormatXML
	}
	return activity, nil
}

// AttachmentFromBytes inlines a file as a data URI attachment.
func AttachmentFromBytes(name string, data []byte) (model.Attachment, error) {
	if len(data) == 0 {
		return model.Attachment{}, errors.New("attachment content is empty")
	}
	contentType := mimetype.Detect(data).String()
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return model.Attachment{
		ContentType: contentType,
		ContentURL:  "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Name:        name,
	}, nil
}

package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"media-generation-pipeline/internal/models"
)

// Dispatcher performs the frontend side effects the bridge translates
// events into. Implementations talk to whatever surface faces the user;
// the bridge stays transport-agnostic.
type Dispatcher interface {
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error
	SendVideo(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error
	SendDocument(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error
	SendChoice(ctx context.Context, chatID int64, text string, options []string) error
}

// HTTPDispatcher forwards dispatch actions to the frontend callback
// endpoint as JSON.
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

func NewHTTPDispatcher(url string) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type dispatchAction struct {
	Action    string              `json:"action"`
	ChatID    int64               `json:"chat_id"`
	MessageID int64               `json:"message_id,omitempty"`
	Text      string              `json:"text,omitempty"`
	Caption   string              `json:"caption,omitempty"`
	Artifact  *models.ArtifactRef `json:"artifact,omitempty"`
	Options   []string            `json:"options,omitempty"`
}

func (d *HTTPDispatcher) post(ctx context.Context, action dispatchAction) error {
	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", action.Action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch %s: status %d: %s", action.Action, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func (d *HTTPDispatcher) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	return d.post(ctx, dispatchAction{Action: "edit_message_text", ChatID: chatID, MessageID: messageID, Text: text})
}

func (d *HTTPDispatcher) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return d.post(ctx, dispatchAction{Action: "delete_message", ChatID: chatID, MessageID: messageID})
}

func (d *HTTPDispatcher) SendText(ctx context.Context, chatID int64, text string) error {
	return d.post(ctx, dispatchAction{Action: "send_text", ChatID: chatID, Text: text})
}

func (d *HTTPDispatcher) SendPhoto(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error {
	return d.post(ctx, dispatchAction{Action: "send_photo", ChatID: chatID, Artifact: &ref, Caption: caption})
}

func (d *HTTPDispatcher) SendVideo(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error {
	return d.post(ctx, dispatchAction{Action: "send_video", ChatID: chatID, Artifact: &ref, Caption: caption})
}

func (d *HTTPDispatcher) SendDocument(ctx context.Context, chatID int64, ref models.ArtifactRef, caption string) error {
	return d.post(ctx, dispatchAction{Action: "send_document", ChatID: chatID, Artifact: &ref, Caption: caption})
}

func (d *HTTPDispatcher) SendChoice(ctx context.Context, chatID int64, text string, options []string) error {
	return d.post(ctx, dispatchAction{Action: "send_choice", ChatID: chatID, Text: text, Options: options})
}

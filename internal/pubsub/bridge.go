package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/telemetry"
)

// Handler reacts to one event. A returned error is logged and counted,
// never propagated; a broken handler must not stall the other channels.
type Handler func(ctx context.Context, ev models.Event) error

// Bridge subscribes to the fixed event channels and translates each
// event into dispatcher side effects. Events published while the bridge
// is down are gone; the reconciliation sweeper covers the fallout.
type Bridge struct {
	client     *redis.Client
	dispatcher Dispatcher
	handlers   map[string]Handler
	ready      chan struct{}
}

// NewBridge registers the default handler set for every channel.
func NewBridge(client *redis.Client, dispatcher Dispatcher) *Bridge {
	b := &Bridge{
		client:     client,
		dispatcher: dispatcher,
		handlers:   make(map[string]Handler, len(models.Channels())),
		ready:      make(chan struct{}),
	}
	b.Handle(models.ChannelStatusUpdate, b.handleStatusUpdate)
	b.Handle(models.ChannelDeleteMessage, b.handleDeleteMessage)
	b.Handle(models.ChannelDownloadFile, b.handleSendDocument)
	b.Handle(models.ChannelSendVideo, b.handleSendVideo)
	b.Handle(models.ChannelSendDocument, b.handleSendDocument)
	b.Handle(models.ChannelErrorChoice, b.handleErrorChoice)
	b.Handle(models.ChannelPaymentSuccess, b.handlePaymentSuccess)
	b.Handle(models.ChannelSendEffectResult, b.handleEffectResult)
	return b
}

// Handle replaces the handler for a channel. Must be called before Run.
func (b *Bridge) Handle(channel string, h Handler) {
	b.handlers[channel] = h
}

// Ready is closed once every subscription is confirmed. Publishes made
// before that point are not seen.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and consumes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	channels := models.Channels()
	sub := b.client.Subscribe(ctx, channels...)
	defer sub.Close()

	// One confirmation arrives per channel before any message does.
	for range channels {
		if _, err := sub.Receive(ctx); err != nil {
			return fmt.Errorf("confirm subscription: %w", err)
		}
	}
	close(b.ready)
	slog.Info("bridge subscribed", "channels", len(channels))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			b.consume(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

func (b *Bridge) consume(ctx context.Context, channel string, payload []byte) {
	var ev models.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("dropping undecodable event", "channel", channel, "err", err)
		telemetry.EventHandlerErrors.WithLabelValues(channel).Inc()
		return
	}
	h, ok := b.handlers[channel]
	if !ok {
		slog.Warn("no handler for channel", "channel", channel)
		return
	}
	if err := h(ctx, ev); err != nil {
		slog.Error("event handler failed", "channel", channel, "kind", ev.Kind, "job_id", ev.JobID, "err", err)
		telemetry.EventHandlerErrors.WithLabelValues(channel).Inc()
	}
}

func (b *Bridge) handleStatusUpdate(ctx context.Context, ev models.Event) error {
	if ev.TargetMessageID == 0 {
		return b.dispatcher.SendText(ctx, ev.TargetChatID, ev.Text)
	}
	return b.dispatcher.EditMessageText(ctx, ev.TargetChatID, ev.TargetMessageID, ev.Text)
}

func (b *Bridge) handleDeleteMessage(ctx context.Context, ev models.Event) error {
	return b.dispatcher.DeleteMessage(ctx, ev.TargetChatID, ev.TargetMessageID)
}

func (b *Bridge) handleSendVideo(ctx context.Context, ev models.Event) error {
	if ev.Artifact == nil {
		return fmt.Errorf("send-video event for job %s has no artifact", ev.JobID)
	}
	return b.dispatcher.SendVideo(ctx, ev.TargetChatID, *ev.Artifact, ev.Caption)
}

func (b *Bridge) handleSendDocument(ctx context.Context, ev models.Event) error {
	if ev.Artifact == nil {
		return fmt.Errorf("send-document event for job %s has no artifact", ev.JobID)
	}
	return b.dispatcher.SendDocument(ctx, ev.TargetChatID, *ev.Artifact, ev.Caption)
}

// handleEffectResult routes by artifact kind: effects can come back as
// stills or clips.
func (b *Bridge) handleEffectResult(ctx context.Context, ev models.Event) error {
	if ev.Artifact == nil {
		return fmt.Errorf("send-effect-result event for job %s has no artifact", ev.JobID)
	}
	if ev.Artifact.Kind == "video" {
		return b.dispatcher.SendVideo(ctx, ev.TargetChatID, *ev.Artifact, ev.Caption)
	}
	return b.dispatcher.SendPhoto(ctx, ev.TargetChatID, *ev.Artifact, ev.Caption)
}

func (b *Bridge) handleErrorChoice(ctx context.Context, ev models.Event) error {
	options := ev.Options
	if len(options) == 0 {
		options = []string{"retry", "support"}
	}
	return b.dispatcher.SendChoice(ctx, ev.TargetChatID, ev.Text, options)
}

func (b *Bridge) handlePaymentSuccess(ctx context.Context, ev models.Event) error {
	text := ev.Text
	if text == "" && ev.Amount > 0 {
		text = fmt.Sprintf("Payment of %d received.", ev.Amount)
	}
	return b.dispatcher.SendText(ctx, ev.TargetChatID, text)
}

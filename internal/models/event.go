package models

// EventKind classifies the payload shape an event carries.
type EventKind string

const (
	EventStatusUpdate  EventKind = "status_update"
	EventSendMedia     EventKind = "send_media"
	EventSendDocument  EventKind = "send_document"
	EventPaymentNotify EventKind = "payment_notify"
)

// Channel names are fixed and enumerated at startup by the pub/sub bridge.
const (
	ChannelStatusUpdate     = "status-update"
	ChannelDeleteMessage    = "delete-message"
	ChannelDownloadFile     = "download-file"
	ChannelSendVideo        = "send-video"
	ChannelSendDocument     = "send-document"
	ChannelErrorChoice      = "error-choice"
	ChannelPaymentSuccess   = "payment-success"
	ChannelSendEffectResult = "send-effect-result"
)

// Channels returns every pub/sub channel the bridge subscribes to.
func Channels() []string {
	return []string{
		ChannelStatusUpdate,
		ChannelDeleteMessage,
		ChannelDownloadFile,
		ChannelSendVideo,
		ChannelSendDocument,
		ChannelErrorChoice,
		ChannelPaymentSuccess,
		ChannelSendEffectResult,
	}
}

// Event is an ephemeral notification routed to the conversation that owns a
// job. It is published on a named channel, consumed once by the bridge and
// discarded; the durable JobRecord remains the authoritative outcome.
type Event struct {
	Kind            EventKind    `json:"kind"`
	JobID           string       `json:"job_id,omitempty"`
	TargetChatID    int64        `json:"target_chat_id"`
	TargetMessageID int64        `json:"target_message_id,omitempty"`
	Locale          string       `json:"locale,omitempty"`
	Text            string       `json:"text,omitempty"`
	Caption         string       `json:"caption,omitempty"`
	Artifact        *ArtifactRef `json:"artifact,omitempty"`
	Options         []string     `json:"options,omitempty"` // choices offered on error-choice
	Amount          int64        `json:"amount,omitempty"`  // minor currency units on payment-success
}

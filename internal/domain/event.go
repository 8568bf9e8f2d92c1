package domain

import "strings"

const (
	EventTypeMessage   = "message"
	MessageTypeText    = "text"
	SourceTypeUser     = "user"
	maxLoggedTextBytes = 200
)

// WebhookBody is the payload delivered by the messaging platform. A body
// without an "events" key decodes to a nil slice and is treated as empty.
type WebhookBody struct {
	Destination string         `json:"destination"`
	Events      []InboundEvent `json:"events"`
}

// InboundEvent is a single webhook event. Only the fields the relay reads are
// modelled.
type InboundEvent struct {
	Type            string           `json:"type"`
	Message         *EventMessage    `json:"message,omitempty"`
	ReplyToken      string           `json:"replyToken"`
	WebhookEventID  string           `json:"webhookEventId"`
	Timestamp       int64            `json:"timestamp"`
	Source          *EventSource     `json:"source,omitempty"`
	DeliveryContext *DeliveryContext `json:"deliveryContext,omitempty"`
}

type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

type EventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type DeliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

// Relayable reports whether the event is a text message that can be answered.
func (e InboundEvent) Relayable() bool {
	return e.Type == EventTypeMessage &&
		e.Message != nil &&
		e.Message.Type == MessageTypeText &&
		strings.TrimSpace(e.ReplyToken) != ""
}

// Text returns the message text, or "" for non-message events.
func (e InboundEvent) Text() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Text
}

func (e InboundEvent) UserID() string {
	if e.Source == nil {
		return ""
	}
	return e.Source.UserID
}

func (e InboundEvent) IsRedelivery() bool {
	return e.DeliveryContext != nil && e.DeliveryContext.IsRedelivery
}

// LogText truncates user text for log lines.
func LogText(s string) string {
	if len(s) <= maxLoggedTextBytes {
		return s
	}
	cut := maxLoggedTextBytes
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

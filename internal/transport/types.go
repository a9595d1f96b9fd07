package transport

import "context"

// SendOptions are destination-agnostic message options.
type SendOptions struct {
	ParseMode      string // "HTML", "MarkdownV2" or "" for plain text
	DisablePreview bool
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	Chat      string
	MessageID int
}

// Sender delivers text to a destination chat.
//
// to is the destination identifier as configured (numeric chat id or
// @username). Implementations must honor ctx cancellation.
type Sender interface {
	SendText(ctx context.Context, to string, text string, opt *SendOptions) (MessageRef, error)
}

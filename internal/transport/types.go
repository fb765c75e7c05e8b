// Package transport defines the chat-platform-neutral types the bot core
// speaks, keeping the Telegram dependency inside one adapter.
package transport

import "context"

// Update is one inbound message from the chat platform.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a chat platform connection: it feeds inbound updates into out
// and sends outbound text.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// ParseModeMarkdownV2 is Telegram's strict Markdown flavor; other adapters
// may ignore it.
const ParseModeMarkdownV2 = "MarkdownV2"

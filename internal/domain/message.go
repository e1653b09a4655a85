package domain

import "time"

// InboundMessage is one user message delivered by a chat transport.
type InboundMessage struct {
	Channel   string
	ChatID    string // conversation the reply must be routed back to
	SenderID  string
	MessageID string // transport-specific id of the user's message, may be empty
	Content   string
	Timestamp time.Time
}

// OutboundMessage is a reply routed back to the channel that owns ChatID.
// A Placeholder message announces that a reply for ReplyTo is on its way;
// channels that can edit messages replace it with the final reply.
type OutboundMessage struct {
	Channel     string
	ChatID      string
	ReplyTo     string // MessageID of the inbound message being answered
	Content     string
	Format      string // text | markdown
	Placeholder bool
}

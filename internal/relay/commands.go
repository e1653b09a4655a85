package relay

import (
	"context"
	"strings"

	"navigatorbot/internal/domain"
	"navigatorbot/internal/metrics"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/" or "@botname"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	// Group chats address commands as /start@SomeBot.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: strings.ToLower(name),
		Args: args,
		Raw:  text,
	}
}

// handleCommand answers the commands the relay owns. It reports false for
// anything else, which is then forwarded like ordinary text. None of these
// commands call the /process endpoint.
func (r *Relay) handleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) ([]string, bool) {
	switch cmd.Name {
	case "start":
		metrics.CommandsTotal.Inc()
		return r.start(ctx, cmd, msg), true

	case "help":
		metrics.CommandsTotal.Inc()
		return []string{r.messages.Help}, true

	case "profile":
		metrics.CommandsTotal.Inc()
		return []string{r.profile(ctx, msg)}, true

	case "new_dialog":
		metrics.CommandsTotal.Inc()
		return []string{r.newDialog(ctx, msg)}, true
	}
	return nil, false
}

func (r *Relay) start(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) []string {
	if r.access == nil {
		return []string{r.messages.Greeting}
	}

	logger := r.logger.With("channel", msg.Channel, "chat_id", msg.ChatID)

	if len(cmd.Args) > 0 {
		res, err := r.access.Activate(ctx, msg.SenderID, cmd.Args[0])
		if err != nil {
			logger.Error("code activation failed", "err", err)
			return []string{r.messages.GenericFailure}
		}
		if res.OK {
			return []string{res.Message, r.messages.Greeting}
		}
		return []string{res.Message}
	}

	st, err := r.access.Check(ctx, msg.SenderID)
	if err != nil {
		logger.Error("access check failed", "err", err)
		return []string{r.messages.Greeting}
	}
	return []string{r.messages.Greeting + "\n\n" + r.access.StatusText(st)}
}

func (r *Relay) profile(ctx context.Context, msg domain.InboundMessage) string {
	if r.access == nil {
		return "👤 Access control is off: there are no request limits."
	}
	text, err := r.access.Profile(ctx, msg.SenderID)
	if err != nil {
		r.logger.Error("profile lookup failed", "chat_id", msg.ChatID, "err", err)
		return r.messages.GenericFailure
	}
	return text
}

func (r *Relay) newDialog(ctx context.Context, msg domain.InboundMessage) string {
	if err := r.forwarder.ResetDialog(ctx, msg.SenderID); err != nil {
		r.logger.Warn("dialog reset failed", "chat_id", msg.ChatID, "err", err)
		return r.messages.DialogResetFailed
	}
	r.logger.Info("dialog reset", "chat_id", msg.ChatID, "sender", msg.SenderID)
	return r.messages.DialogReset
}

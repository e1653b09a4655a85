package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"navigatorbot/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	// Get bot user ID.
	authResp, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	// Socket Mode bots have no typing indicator; placeholders are dropped.
	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Placeholder || msg.Content == "" {
			return
		}
		s.sendMessage(msg.ChatID, msg.Content)
	})

	// Event handling goroutine.
	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	// Run Socket Mode client (blocks until context is done).
	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if msg, ok := s.inboundFromEvent(event); ok {
		s.logger.Info("slack message received",
			"user", msg.SenderID,
			"channel", msg.ChatID,
			"content_len", len(msg.Content),
		)
		s.bus.Publish(msg)
	}
}

// inboundFromEvent converts direct messages and @mentions into bus messages.
// Channel messages without a mention are ignored so the bot does not answer
// every conversation it can see.
func (s *Slack) inboundFromEvent(event slackevents.EventsAPIEvent) (domain.InboundMessage, bool) {
	if event.Type != slackevents.CallbackEvent {
		return domain.InboundMessage{}, false
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore the bot's own messages and edits.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" || ev.BotID != "" {
			return domain.InboundMessage{}, false
		}
		if ev.ChannelType != "im" {
			return domain.InboundMessage{}, false
		}
		return domain.InboundMessage{
			Channel:   "slack",
			ChatID:    ev.Channel,
			SenderID:  ev.User,
			MessageID: ev.TimeStamp,
			Content:   ev.Text,
			Timestamp: time.Now(),
		}, true

	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.User == s.botUID {
			return domain.InboundMessage{}, false
		}
		return domain.InboundMessage{
			Channel:   "slack",
			ChatID:    ev.Channel,
			SenderID:  ev.User,
			MessageID: ev.TimeStamp,
			Content:   stripMention(ev.Text),
			Timestamp: time.Now(),
		}, true
	}
	return domain.InboundMessage{}, false
}

// stripMention removes the leading "<@U123>" of an app mention and the
// spaces separating it from the message. The rest is kept as written.
func stripMention(text string) string {
	rest := strings.TrimLeft(text, " ")
	if !strings.HasPrefix(rest, "<@") {
		return text
	}
	idx := strings.Index(rest, ">")
	if idx < 0 {
		return text
	}
	return strings.TrimLeft(rest[idx+1:], " ")
}

// handleSlashCommand maps /navigator-start style commands onto the chat
// commands the relay understands.
func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	content := strings.TrimSpace(slashCommandName(cmd.Command) + " " + cmd.Text)

	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)

	s.bus.Publish(domain.InboundMessage{
		Channel:   "slack",
		ChatID:    cmd.ChannelID,
		SenderID:  cmd.UserID,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func slashCommandName(command string) string {
	name := strings.TrimPrefix(command, "/")
	name = strings.TrimPrefix(name, "navigator-")
	return "/" + strings.ReplaceAll(name, "-", "_")
}

// Stop is a no-op; the socket closes when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	if s.client == nil {
		return fmt.Errorf("slack not connected")
	}
	s.sendMessage(chatID, content)
	return nil
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(
			channelID,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}

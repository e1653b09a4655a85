package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"navigatorbot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen = 2000
)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	// Discord cannot edit a placeholder into the reply cheaply, so it shows
	// the typing indicator instead.
	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Placeholder {
			if err := d.session.ChannelTyping(msg.ChatID); err != nil {
				d.logger.Debug("discord typing failed", "channel", msg.ChatID, "err", err)
			}
			return
		}
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}

		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)

		bus.Publish(domain.InboundMessage{
			Channel:   "discord",
			ChatID:    m.ChannelID,
			SenderID:  m.Author.ID,
			MessageID: m.ID,
			Content:   m.Content,
			Timestamp: time.Now(),
		})
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		content := interactionText(i.ApplicationCommandData())

		var sender string
		switch {
		case i.Member != nil && i.Member.User != nil:
			sender = i.Member.User.ID
		case i.User != nil:
			sender = i.User.ID
		default:
			return
		}

		// Echo the command so the channel shows what the reply answers.
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		}); err != nil {
			d.logger.Warn("discord interaction ack failed", "err", err)
		}

		bus.Publish(domain.InboundMessage{
			Channel:   "discord",
			ChatID:    i.ChannelID,
			SenderID:  sender,
			MessageID: i.ID,
			Content:   content,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord not connected")
	}
	d.sendMessage(chatID, content)
	return nil
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

// interactionText turns a slash command into the chat text the relay parses,
// e.g. "/start ABCD234567".
func interactionText(data discordgo.ApplicationCommandInteractionData) string {
	content := "/" + data.Name
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			content += " " + opt.StringValue()
		}
	}
	return content
}

func discordCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "start",
			Description: "Greeting and access status, or activate a code",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "code",
					Description: "Activation code",
				},
			},
		},
		{
			Name:        "profile",
			Description: "Your plan and usage",
		},
		{
			Name:        "new_dialog",
			Description: "Start the conversation from scratch",
		},
		{
			Name:        "help",
			Description: "Show available commands",
		},
	}
}

func (d *Discord) registerSlashCommands() {
	guildID := d.guildID // empty = global commands
	for _, cmd := range discordCommands() {
		_, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, guildID, cmd)
		if err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

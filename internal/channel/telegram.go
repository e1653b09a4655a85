package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"navigatorbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Reply keyboard buttons and the commands they stand for.
const (
	buttonProfile   = "👤 My profile"
	buttonNewDialog = "🔄 New dialog"
)

var keyboardCommands = map[string]string{
	buttonProfile:   "/profile",
	buttonNewDialog: "/new_dialog",
}

// telegramAPI is the part of *tgbotapi.BotAPI used for sending.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram implements domain.Channel for Telegram Bot.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string
	keyboard  bool

	api    telegramAPI
	bus    domain.MessageBus
	logger *slog.Logger

	// placeholders maps "chatID:replyTo" to the id of the "working on it"
	// message that the final reply replaces.
	placeholders   map[string]int
	placeholdersMu sync.Mutex

	retryDelay time.Duration
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string   // empty sends plain text
	Keyboard  bool
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:        cfg.Token,
		allowFrom:    allowed,
		parseMode:    cfg.ParseMode,
		keyboard:     cfg.Keyboard,
		logger:       cfg.Logger,
		placeholders: make(map[string]int),
		retryDelay:   time.Second,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", t.deliver)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

// deliver is the outbound handler registered on the bus.
func (t *Telegram) deliver(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
		return
	}

	key := placeholderKey(chatID, msg.ReplyTo)
	if msg.Placeholder {
		sent, err := t.api.Send(t.newMessage(chatID, msg.Content, false))
		if err != nil {
			t.logger.Warn("telegram placeholder not sent", "chat_id", chatID, "err", err)
			return
		}
		t.placeholdersMu.Lock()
		t.placeholders[key] = sent.MessageID
		t.placeholdersMu.Unlock()
		return
	}

	t.placeholdersMu.Lock()
	placeholderID, ok := t.placeholders[key]
	delete(t.placeholders, key)
	t.placeholdersMu.Unlock()

	if !ok {
		t.sendMessage(chatID, msg.Content)
		return
	}

	chunks := splitMessage(msg.Content, telegramMaxMsgLen)
	if err := t.editMessage(chatID, placeholderID, chunks[0]); err != nil {
		t.logger.Warn("telegram placeholder edit failed, sending new message", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, msg.Content)
		return
	}
	for _, chunk := range chunks[1:] {
		t.sendChunk(chatID, chunk)
	}
}

func placeholderKey(chatID int64, replyTo string) string {
	return strconv.FormatInt(chatID, 10) + ":" + replyTo
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.")
		return
	}

	// Media-only updates carry no text. Any text, blank or not, is relayed as sent.
	text := update.Message.Text
	if text == "" {
		return
	}
	if cmd, ok := keyboardCommands[strings.TrimSpace(text)]; ok {
		text = cmd
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.api.Send(typing)

	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		MessageID: strconv.Itoa(update.Message.MessageID),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) newMessage(chatID int64, text string, formatted bool) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	if formatted && t.parseMode != "" {
		msg.ParseMode = t.parseMode
	}
	if t.keyboard {
		kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(buttonProfile),
			tgbotapi.NewKeyboardButton(buttonNewDialog),
		))
		kb.ResizeKeyboard = true
		msg.ReplyMarkup = kb
	}
	return msg
}

func (t *Telegram) editMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if t.parseMode != "" {
		edit.ParseMode = t.parseMode
	}
	_, err := t.api.Send(edit)
	if err != nil && t.parseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		_, err = t.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	}
	return err
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk with retry and rate limit handling. The first
// attempt uses the configured parse mode; later ones go out as plain text.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := t.newMessage(chatID, text, attempt == 0)

		_, err := t.api.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * t.retryDelay
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markup parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			if _, err2 := t.api.Send(t.newMessage(chatID, text, false)); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * t.retryDelay
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}

package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"navigatorbot/internal/bus"
	"navigatorbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeTelegramAPI records everything sent and can fail edits.
type fakeTelegramAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	nextID   int
	failEdit bool
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := c.(tgbotapi.EditMessageTextConfig); ok && f.failEdit {
		return tgbotapi.Message{}, errors.New("Bad Request: message to edit not found")
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: 100 + f.nextID}, nil
}

func (f *fakeTelegramAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTelegramAPI) edits() []tgbotapi.EditMessageTextConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.EditMessageTextConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func newTestTelegram(api *fakeTelegramAPI, allowFrom ...string) *Telegram {
	tg := NewTelegram(TelegramConfig{
		Token:     "test-token",
		AllowFrom: allowFrom,
		Keyboard:  true,
		Logger:    testLogger(),
	})
	tg.api = api
	tg.retryDelay = time.Millisecond
	return tg
}

func TestTelegram_PlaceholderIsEditedIntoReply(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	tg.deliver(domain.OutboundMessage{Channel: "telegram", ChatID: "42", ReplyTo: "7", Content: "Working...", Placeholder: true})
	tg.deliver(domain.OutboundMessage{Channel: "telegram", ChatID: "42", ReplyTo: "7", Content: "the answer"})

	msgs := api.messages()
	if len(msgs) != 1 || msgs[0].Text != "Working..." {
		t.Fatalf("expected only the placeholder as a new message, got %+v", msgs)
	}
	edits := api.edits()
	if len(edits) != 1 {
		t.Fatalf("expected 1 edit, got %d", len(edits))
	}
	if edits[0].Text != "the answer" || edits[0].MessageID != 101 || edits[0].ChatID != 42 {
		t.Errorf("unexpected edit: %+v", edits[0])
	}
	if len(tg.placeholders) != 0 {
		t.Errorf("placeholder should be forgotten after the reply, have %d", len(tg.placeholders))
	}
}

func TestTelegram_FailedEditSendsNewMessage(t *testing.T) {
	api := &fakeTelegramAPI{failEdit: true}
	tg := newTestTelegram(api)

	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "7", Content: "Working...", Placeholder: true})
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "7", Content: "the answer"})

	msgs := api.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected placeholder plus fallback message, got %d", len(msgs))
	}
	if msgs[1].Text != "the answer" {
		t.Errorf("fallback text = %q", msgs[1].Text)
	}
}

func TestTelegram_ReplyWithoutPlaceholder(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "7", Content: "greeting"})

	if len(api.edits()) != 0 {
		t.Error("no edit expected without a placeholder")
	}
	msgs := api.messages()
	if len(msgs) != 1 || msgs[0].Text != "greeting" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if _, ok := msgs[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup); !ok {
		t.Error("reply keyboard should be attached")
	}
}

func TestTelegram_PlaceholdersAreKeyedPerMessage(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "1", Content: "wait", Placeholder: true})
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "2", Content: "wait", Placeholder: true})
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "2", Content: "second"})
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "1", Content: "first"})

	edits := api.edits()
	if len(edits) != 2 {
		t.Fatalf("expected 2 edits, got %d", len(edits))
	}
	if edits[0].MessageID != 102 || edits[0].Text != "second" {
		t.Errorf("second reply edited the wrong placeholder: %+v", edits[0])
	}
	if edits[1].MessageID != 101 || edits[1].Text != "first" {
		t.Errorf("first reply edited the wrong placeholder: %+v", edits[1])
	}
}

func TestTelegram_LongReplyEditsFirstChunk(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	long := make([]byte, telegramMaxMsgLen+10)
	for i := range long {
		long[i] = 'x'
	}
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "7", Content: "wait", Placeholder: true})
	tg.deliver(domain.OutboundMessage{ChatID: "42", ReplyTo: "7", Content: string(long)})

	edits := api.edits()
	if len(edits) != 1 || len(edits[0].Text) != telegramMaxMsgLen {
		t.Fatalf("expected the first %d bytes in the edit", telegramMaxMsgLen)
	}
	msgs := api.messages()
	if len(msgs) != 2 || len(msgs[1].Text) != 10 {
		t.Fatalf("expected the rest as a new message, got %d messages", len(msgs))
	}
}

func TestTelegram_InvalidChatIDIsIgnored(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	tg.deliver(domain.OutboundMessage{ChatID: "not-a-number", Content: "x"})
	if len(api.sent) != 0 {
		t.Error("nothing should be sent for an invalid chat id")
	}
}

func testUpdate(userID int64, messageID int, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: messageID,
		From:      &tgbotapi.User{ID: userID, UserName: "someone"},
		Chat:      &tgbotapi.Chat{ID: userID},
		Date:      int(time.Now().Unix()),
		Text:      text,
	}}
}

func TestTelegram_HandleUpdatePublishes(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)
	b := bus.New(4, testLogger())
	tg.bus = b

	tg.handleUpdate(testUpdate(555, 9, "  what is the plan?  "))

	select {
	case msg := <-b.Subscribe():
		if msg.Channel != "telegram" || msg.ChatID != "555" || msg.SenderID != "555" || msg.MessageID != "9" {
			t.Errorf("unexpected routing fields: %+v", msg)
		}
		if msg.Content != "  what is the plan?  " {
			t.Errorf("content = %q", msg.Content)
		}
	default:
		t.Fatal("no message published")
	}
}

func TestTelegram_TextIsPublishedVerbatim(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)
	b := bus.New(4, testLogger())
	tg.bus = b

	for i, text := range []string{"  hi \n", "   "} {
		tg.handleUpdate(testUpdate(555, i+1, text))
		select {
		case msg := <-b.Subscribe():
			if msg.Content != text {
				t.Errorf("content = %q, want %q", msg.Content, text)
			}
		default:
			t.Fatalf("%q was not published", text)
		}
	}

	// A photo without caption has no text at all.
	tg.handleUpdate(testUpdate(555, 3, ""))
	select {
	case msg := <-b.Subscribe():
		t.Fatalf("media-only update published: %+v", msg)
	default:
	}
}

func TestTelegram_PaddedKeyboardButton(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)
	b := bus.New(4, testLogger())
	tg.bus = b

	tg.handleUpdate(testUpdate(555, 1, " "+buttonProfile+"\n"))
	if got := (<-b.Subscribe()).Content; got != "/profile" {
		t.Errorf("padded profile button = %q", got)
	}
}

func TestTelegram_KeyboardButtonsBecomeCommands(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)
	b := bus.New(4, testLogger())
	tg.bus = b

	tg.handleUpdate(testUpdate(555, 1, buttonProfile))
	tg.handleUpdate(testUpdate(555, 2, buttonNewDialog))

	if got := (<-b.Subscribe()).Content; got != "/profile" {
		t.Errorf("profile button = %q", got)
	}
	if got := (<-b.Subscribe()).Content; got != "/new_dialog" {
		t.Errorf("new dialog button = %q", got)
	}
}

func TestTelegram_AllowList(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api, "111", " 222 ")
	b := bus.New(4, testLogger())
	tg.bus = b

	if !tg.isAllowed(222) {
		t.Error("listed user should be allowed")
	}

	tg.handleUpdate(testUpdate(333, 1, "hello"))

	select {
	case msg := <-b.Subscribe():
		t.Fatalf("unauthorized message published: %+v", msg)
	default:
	}
	msgs := api.messages()
	if len(msgs) != 1 || msgs[0].ChatID != 333 {
		t.Fatalf("expected one refusal to the sender, got %+v", msgs)
	}
}

package channel

import (
	"testing"

	"github.com/slack-go/slack/slackevents"
)

func callbackEvent(data any) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: data},
	}
}

func TestSlack_DirectMessage(t *testing.T) {
	s := NewSlack(SlackConfig{Logger: testLogger()})
	s.botUID = "UBOT"

	msg, ok := s.inboundFromEvent(callbackEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "D1", ChannelType: "im", Text: "hello", TimeStamp: "1700000000.0001",
	}))
	if !ok {
		t.Fatal("direct message should be accepted")
	}
	if msg.ChatID != "D1" || msg.SenderID != "U1" || msg.MessageID != "1700000000.0001" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestSlack_IgnoredMessages(t *testing.T) {
	s := NewSlack(SlackConfig{Logger: testLogger()})
	s.botUID = "UBOT"

	cases := map[string]*slackevents.MessageEvent{
		"own message":     {User: "UBOT", Channel: "D1", ChannelType: "im", Text: "x"},
		"edit":            {User: "U1", Channel: "D1", ChannelType: "im", SubType: "message_changed"},
		"channel chatter": {User: "U1", Channel: "C1", ChannelType: "channel", Text: "x"},
	}
	for name, ev := range cases {
		if _, ok := s.inboundFromEvent(callbackEvent(ev)); ok {
			t.Errorf("%s should be ignored", name)
		}
	}
}

func TestSlack_MentionIsStripped(t *testing.T) {
	s := NewSlack(SlackConfig{Logger: testLogger()})
	s.botUID = "UBOT"

	msg, ok := s.inboundFromEvent(callbackEvent(&slackevents.AppMentionEvent{
		User: "U1", Channel: "C1", Text: "<@UBOT>  /profile",
	}))
	if !ok {
		t.Fatal("mention should be accepted")
	}
	if msg.Content != "/profile" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestSlack_TextIsKeptVerbatim(t *testing.T) {
	s := NewSlack(SlackConfig{Logger: testLogger()})
	s.botUID = "UBOT"

	msg, ok := s.inboundFromEvent(callbackEvent(&slackevents.MessageEvent{
		User: "U1", Channel: "D1", ChannelType: "im", Text: "  hi \n",
	}))
	if !ok || msg.Content != "  hi \n" {
		t.Errorf("direct message = %q (accepted %v)", msg.Content, ok)
	}

	msg, ok = s.inboundFromEvent(callbackEvent(&slackevents.AppMentionEvent{
		User: "U1", Channel: "C1", Text: "<@UBOT> what now? \n",
	}))
	if !ok || msg.Content != "what now? \n" {
		t.Errorf("mention = %q (accepted %v)", msg.Content, ok)
	}
}

func TestStripMention(t *testing.T) {
	cases := map[string]string{
		"<@UBOT>  /profile": "/profile",
		" <@UBOT>   ":       "",
		"no mention  ":      "no mention  ",
		"<@broken":          "<@broken",
	}
	for in, want := range cases {
		if got := stripMention(in); got != want {
			t.Errorf("stripMention(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlashCommandName(t *testing.T) {
	cases := map[string]string{
		"/navigator-start":      "/start",
		"/navigator-new-dialog": "/new_dialog",
		"/profile":              "/profile",
	}
	for in, want := range cases {
		if got := slashCommandName(in); got != want {
			t.Errorf("slashCommandName(%q) = %q, want %q", in, got, want)
		}
	}
}

package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"navigatorbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	select {
	case msg := <-b.Subscribe():
		if msg.ChatID != "42" || msg.Content != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_SendOutbound_RoutesByChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var tg, dc int32
	b.OnOutbound("telegram", func(domain.OutboundMessage) { atomic.AddInt32(&tg, 1) })
	b.OnOutbound("discord", func(domain.OutboundMessage) { atomic.AddInt32(&dc, 1) })

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "a"})
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "b"})
	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "1", Content: "c"})

	if atomic.LoadInt32(&tg) != 2 {
		t.Errorf("expected 2 telegram deliveries, got %d", tg)
	}
	if atomic.LoadInt32(&dc) != 1 {
		t.Errorf("expected 1 discord delivery, got %d", dc)
	}
}

func TestBus_SendOutbound_UnknownChannel(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()
	// Must not panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "nowhere", ChatID: "1"})
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(domain.InboundMessage{Channel: "cli", Content: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
}

func TestBus_PublishDropsAfterTimeoutWhenFull(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond
	defer b.Close()

	b.Publish(domain.InboundMessage{Content: "first"})

	start := time.Now()
	b.Publish(domain.InboundMessage{Content: "second"})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("publish returned too early: %v", elapsed)
	}

	msg := <-b.Subscribe()
	if msg.Content != "first" {
		t.Fatalf("expected first message, got %q", msg.Content)
	}
	select {
	case m := <-b.Subscribe():
		t.Fatalf("dropped message was delivered: %+v", m)
	default:
	}
}

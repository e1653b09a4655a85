// Package relay connects the chat transports to the navigator server: every
// inbound message is answered either by a local command or by one forward
// call whose result (or failure) becomes the reply.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"navigatorbot/internal/access"
	"navigatorbot/internal/config"
	"navigatorbot/internal/domain"
	"navigatorbot/internal/metrics"
	"navigatorbot/internal/navigator"
)

// Forwarder is the part of *navigator.Client the relay uses.
type Forwarder interface {
	ForwardFrom(ctx context.Context, senderID, text string) (string, error)
	ResetDialog(ctx context.Context, senderID string) error
}

// AccessControl is the part of *access.Service the relay uses.
type AccessControl interface {
	Check(ctx context.Context, userID string) (access.Status, error)
	Reserve(ctx context.Context, userID string) (access.Status, error)
	Refund(ctx context.Context, userID string) error
	Activate(ctx context.Context, userID, code string) (access.Activation, error)
	Profile(ctx context.Context, userID string) (string, error)
	DenialText(st access.Status) string
	StatusText(st access.Status) string
}

// Config wires a Relay.
type Config struct {
	Bus          domain.MessageBus
	Forwarder    Forwarder
	Access       AccessControl // nil disables access control
	Messages     config.MessagesConfig
	Concurrency  int
	AttachSender bool
	Logger       *slog.Logger
}

// Relay consumes the bus and answers each message in its own goroutine.
type Relay struct {
	bus          domain.MessageBus
	forwarder    Forwarder
	access       AccessControl
	messages     config.MessagesConfig
	concurrency  int
	attachSender bool
	logger       *slog.Logger
	wg           sync.WaitGroup
}

func New(cfg Config) *Relay {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		bus:          cfg.Bus,
		forwarder:    cfg.Forwarder,
		access:       cfg.Access,
		messages:     cfg.Messages,
		concurrency:  cfg.Concurrency,
		attachSender: cfg.AttachSender,
		logger:       cfg.Logger,
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus is closed,
// then waits for the messages already being handled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "concurrency", r.concurrency)
	defer r.wg.Wait()

	sem := make(chan struct{}, r.concurrency)
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound bus closed, relay stopping")
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				r.logger.Warn("relay stopping, message not handled", "channel", msg.Channel, "chat_id", msg.ChatID)
				return nil
			}
			r.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer r.wg.Done()
				defer func() { <-sem }()
				r.processMessage(ctx, m)
			}(msg)
		}
	}
}

// processMessage handles one message and sends the replies through the bus.
// A panic is contained to this message.
func (r *Relay) processMessage(ctx context.Context, msg domain.InboundMessage) {
	logger := r.logger.With("channel", msg.Channel, "chat_id", msg.ChatID)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while handling message", "panic", p, "stack", string(debug.Stack()))
			r.reply(msg, r.messages.GenericFailure)
		}
	}()

	logger.Info("processing message", "sender", msg.SenderID, "content_len", len(msg.Content))
	start := time.Now()

	for _, text := range r.Handle(ctx, msg) {
		r.reply(msg, text)
	}

	logger.Debug("message handled", "latency", time.Since(start))
}

// Handle computes the replies for msg. Only the processing placeholder is
// sent through the bus from here; the caller delivers the returned replies.
func (r *Relay) Handle(ctx context.Context, msg domain.InboundMessage) []string {
	if cmd := ParseCommand(msg.Content); cmd != nil {
		if replies, ok := r.handleCommand(ctx, cmd, msg); ok {
			return replies
		}
	}
	return []string{r.forward(ctx, msg)}
}

func (r *Relay) forward(ctx context.Context, msg domain.InboundMessage) string {
	logger := r.logger.With("channel", msg.Channel, "chat_id", msg.ChatID)

	var warning string
	charged, delivered := false, false
	if r.access != nil {
		// Charged up front so parallel messages cannot overspend a plan;
		// given back unless the forward succeeds.
		st, err := r.access.Reserve(ctx, msg.SenderID)
		if err != nil {
			logger.Error("access check failed", "err", err)
			return r.messages.GenericFailure
		}
		if !st.HasAccess {
			metrics.AccessDenied.Inc()
			logger.Info("access denied", "sender", msg.SenderID, "reason", st.Denial)
			return r.access.DenialText(st)
		}
		warning = st.Warning
		charged = true
	}
	defer func() {
		if charged && !delivered {
			r.refund(ctx, logger, msg.SenderID)
		}
	}()

	r.bus.SendOutbound(domain.OutboundMessage{
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		ReplyTo:     msg.MessageID,
		Content:     r.messages.Processing,
		Placeholder: true,
	})

	sender := ""
	if r.attachSender {
		sender = msg.SenderID
	}
	output, err := r.forwarder.ForwardFrom(ctx, sender, msg.Content)
	if err != nil {
		logForwardError(logger, err)
		return r.errorReply(err)
	}
	delivered = true

	reply := output
	if reply == "" {
		reply = r.messages.EmptyReply
	}
	if warning != "" {
		reply += "\n\n" + warning
	}
	return reply
}

func (r *Relay) refund(ctx context.Context, logger *slog.Logger, senderID string) {
	if err := r.access.Refund(context.WithoutCancel(ctx), senderID); err != nil {
		logger.Error("request refund failed", "sender", senderID, "err", err)
	}
}

// errorReply maps a forward failure to the text the user sees. Status codes,
// bodies and causes stay in the log.
func (r *Relay) errorReply(err error) string {
	if navigator.IsTransport(err) {
		return r.messages.ServiceUnavailable
	}
	return r.messages.GenericFailure
}

func logForwardError(logger *slog.Logger, err error) {
	var ne *navigator.Error
	if !errors.As(err, &ne) {
		logger.Error("forward failed", "err", err)
		return
	}
	attrs := []any{"kind", ne.Kind, "err", err}
	switch ne.Kind {
	case navigator.KindServer:
		attrs = append(attrs, "status", ne.Status, "body", ne.BodyExcerpt)
	case navigator.KindTransport:
		attrs = append(attrs, "timeout", ne.Timeout)
	}
	logger.Warn("forward failed", attrs...)
}

func (r *Relay) reply(msg domain.InboundMessage, text string) {
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.MessageID,
		Content: text,
		Format:  "text",
	})
}

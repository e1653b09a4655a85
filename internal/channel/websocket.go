package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"navigatorbot/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	AllowedOrigins []string // empty allows same-host origins only
	Logger         *slog.Logger
}

// WebSocketChannel serves browser chat clients. It has no listener of its
// own: Handler is mounted on the HTTP API server.
type WebSocketChannel struct {
	allowedOrigins []string
	bus            domain.MessageBus
	logger         *slog.Logger
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
type WSMessage struct {
	Type    string `json:"type"` // "message" | "status" | "error"
	Content string `json:"content,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ws := &WebSocketChannel{
		allowedOrigins: cfg.AllowedOrigins,
		logger:         cfg.Logger,
		clients:        make(map[string]*wsClient),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ws.checkOrigin,
	}
	return ws
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Start registers the outbound handler and blocks until ctx is cancelled,
// then disconnects every client.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.mu.Lock()
	ws.bus = bus
	ws.mu.Unlock()

	bus.OnOutbound("websocket", func(msg domain.OutboundMessage) {
		out := WSMessage{Type: "message", Content: msg.Content, ChatID: msg.ChatID}
		if msg.Placeholder {
			out.Type = "status"
		}
		ws.sendToChat(msg.ChatID, out)
	})

	ws.logger.Info("websocket channel ready")
	<-ctx.Done()
	ws.closeAllClients()
	return nil
}

// Stop disconnects every client.
func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) Send(ctx context.Context, chatID string, content string) error {
	ws.sendToChat(chatID, WSMessage{Type: "message", Content: content, ChatID: chatID})
	return nil
}

// Handler upgrades the request and serves one client until it disconnects.
func (ws *WebSocketChannel) Handler() http.HandlerFunc {
	return ws.handleUpgrade
}

func (ws *WebSocketChannel) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, allowed := range ws.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	if len(ws.allowedOrigins) > 0 {
		return false
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	bus := ws.bus
	ws.mu.RUnlock()
	if bus == nil {
		http.Error(w, "websocket channel not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	chatID := "ws-" + uuid.NewString()
	client := &wsClient{conn: conn, chatID: chatID}

	ws.mu.Lock()
	ws.clients[chatID] = client
	ws.mu.Unlock()

	ws.logger.Info("websocket client connected", "chat_id", chatID, "remote", r.RemoteAddr)

	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, chatID)
		ws.mu.Unlock()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "chat_id", chatID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn("websocket read error", "chat_id", chatID, "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			client.send(WSMessage{Type: "error", Content: "invalid JSON message"})
			continue
		}
		if wsMsg.Type != "message" {
			continue
		}

		sender := wsMsg.UserID
		if sender == "" {
			sender = chatID
		}
		bus.Publish(domain.InboundMessage{
			Channel:   "websocket",
			ChatID:    chatID,
			SenderID:  sender,
			MessageID: uuid.NewString(),
			Content:   wsMsg.Content,
			Timestamp: time.Now(),
		})
	}
}

func (ws *WebSocketChannel) sendToChat(chatID string, msg WSMessage) {
	ws.mu.RLock()
	client, ok := ws.clients[chatID]
	ws.mu.RUnlock()
	if !ok {
		ws.logger.Debug("websocket client gone, reply dropped", "chat_id", chatID)
		return
	}
	client.send(msg)
}

func (c *wsClient) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}

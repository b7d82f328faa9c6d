package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/ragdesk/internal/model/chat"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// ActionApp adds the operations a websocket client may trigger.
type ActionApp interface {
	App
	Submit(ctx context.Context, question string) (<-chan chatmodel.Turn, error)
	Refresh(ctx context.Context) ([]docmodel.Document, error)
}

// WebSocketHandler WebSocket事件流处理器
type WebSocketHandler struct {
	app      ActionApp
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(app ActionApp, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		app: app,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// QuestionMessage 提问消息
type QuestionMessage struct {
	Question string `json:"question"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(typ string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(outgoingMessage{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// handleWebSocket 推送状态快照与后续事件，并接受提问
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.app.Events().Subscribe(subscriberBuffer)
	defer sub.Close()

	h.log.Debug("websocket connected", zap.String("subscriber", sub.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := &wsConn{conn: conn}
	go h.pingLoop(ctx, conn)
	go h.readLoop(ctx, cancel, c)

	if err := c.send("state", h.app.State()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := c.send("event", evt); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	defer cancel()
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(ctx, c, &msg)
	}
}

// handleMessage 处理客户端消息；结果通过事件流返回
func (h *WebSocketHandler) handleMessage(ctx context.Context, c *wsConn, msg *inboundMessage) {
	switch msg.Type {
	case "question":
		var q QuestionMessage
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			h.sendError(c, "invalid question payload")
			return
		}
		if _, err := h.app.Submit(context.WithoutCancel(ctx), q.Question); err != nil {
			h.sendError(c, err.Error())
		}
	case "refresh":
		go func() {
			if _, err := h.app.Refresh(ctx); err != nil {
				h.sendError(c, err.Error())
			}
		}()
	case "state":
		if err := c.send("state", h.app.State()); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
		}
	default:
		h.sendError(c, "unsupported message type")
	}
}

func (h *WebSocketHandler) sendError(c *wsConn, message string) {
	if err := c.send("error", map[string]string{"message": message}); err != nil {
		h.log.Debug("websocket write error failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

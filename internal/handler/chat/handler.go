package chat

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ytscribe/ytscribe/backend/internal/relay"
	"github.com/ytscribe/ytscribe/backend/internal/service/ai"
)

var readDeadline = 60 * time.Second

// Handler 聊天 websocket 处理器，每条连接绑定一个 relay。
type Handler struct {
	provider    relay.Provider
	genCfg      relay.GenerationConfig
	turnTimeout time.Duration
	upgrader    websocket.Upgrader
}

// New 创建聊天处理器
func New(provider relay.Provider, genCfg relay.GenerationConfig, turnTimeout time.Duration) *Handler {
	return &Handler{
		provider:    provider,
		genCfg:      genCfg,
		turnTimeout: turnTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

// envelope carries one named event in either direction.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// sendMessageData keeps the message field untyped so that the relay can
// apply its own non-string no-op rule.
type sendMessageData struct {
	Message any `json:"message"`
}

// connEmitter serializes all writes to one websocket connection.
type connEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *connEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.conn.WriteJSON(outEnvelope{Event: event, Data: payload}); err != nil {
		log.Printf("[websocket] write %s failed: %v", event, err)
	}
}

func (e *connEmitter) ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWebSocket 处理 websocket 连接的完整生命周期。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	emitter := &connEmitter{conn: conn}
	rly := relay.New(h.provider, emitter, ai.SystemInstruction(), h.genCfg, h.turnTimeout)

	log.Printf("[websocket] new connection session=%s", rly.SessionID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(ctx, emitter)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var msg envelope
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[websocket] read error: %v", err)
				}
				log.Printf("[websocket] connection closed session=%s", rly.SessionID())
				return
			}

			h.handleEvent(ctx, rly, &msg)

			// Dispatch blocks for the whole turn; pongs cannot be read
			// meanwhile, so the deadline must be renewed afterwards.
			conn.SetReadDeadline(time.Now().Add(readDeadline))
		}
	}
}

// handleEvent dispatches one inbound event. Unknown events are ignored so
// that older clients do not break the connection.
func (h *Handler) handleEvent(ctx context.Context, rly *relay.Relay, msg *envelope) {
	switch msg.Event {
	case relay.EventSendMessage:
		var data sendMessageData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				log.Printf("[websocket] malformed sendMessage payload: %v", err)
				return
			}
		}
		rly.HandleSendMessage(ctx, data.Message)
	case relay.EventResetSession:
		rly.HandleReset()
	default:
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, emitter *connEmitter) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := emitter.ping(); err != nil {
				return
			}
		}
	}
}

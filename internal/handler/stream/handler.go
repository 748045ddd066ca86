package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ytscribe/ytscribe/backend/internal/relay"
	"github.com/ytscribe/ytscribe/backend/internal/service/ai"
	"github.com/ytscribe/ytscribe/backend/pkg/utils"
)

// Handler streams one-shot generation replies over Server-Sent Events. Each
// request gets a throwaway session with no conversation state; the SPA uses
// this for summary-style asks outside the chat.
type Handler struct {
	provider    relay.Provider
	genCfg      relay.GenerationConfig
	turnTimeout time.Duration
}

// New creates the SSE stream handler.
func New(provider relay.Provider, genCfg relay.GenerationConfig, turnTimeout time.Duration) *Handler {
	return &Handler{
		provider:    provider,
		genCfg:      genCfg,
		turnTimeout: turnTimeout,
	}
}

// RegisterRoutes 注册流式生成路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

// sseEmitter adapts the relay event vocabulary onto SSE frames.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) Emit(event string, payload any) {
	utils.SendSSEEvent(e.w, e.flusher, event, payload)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	message := r.URL.Query().Get("message")
	if message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	utils.SetupSSEHeaders(w)

	// 一次性会话：复用 relay 的流式与错误语义，结束即丢弃。
	rly := relay.New(h.provider, &sseEmitter{w: w, flusher: flusher}, ai.SystemInstruction(), h.genCfg, h.turnTimeout)
	rly.HandleSendMessage(r.Context(), message)
}

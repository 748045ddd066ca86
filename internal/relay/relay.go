package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// 事件名称必须与前端客户端保持一致。
const (
	EventSendMessage  = "sendMessage"
	EventResetSession = "resetSession"
	EventReceiveChunk = "receiveChunk"
	EventStreamEnd    = "streamEnd"
)

// ChunkPayload is the body of a receiveChunk event.
type ChunkPayload struct {
	Text string `json:"text"`
}

// GenerationConfig carries the fixed sampling parameters shared by all sessions.
type GenerationConfig struct {
	Temperature     float32
	MaxOutputTokens int
}

// Provider constructs conversational sessions against the model backend.
// Construction must be local: no network call happens until the first send.
type Provider interface {
	NewSession(systemInstruction string, cfg GenerationConfig) ProviderSession
}

// ProviderSession is one running conversation. The session owns its own
// history; each SendStreaming call appends the user turn and, once the
// stream completes, the assistant turn.
type ProviderSession interface {
	SendStreaming(ctx context.Context, message string) (*schema.StreamReader[*schema.Message], error)
}

// Emitter delivers named events back to the connection. Emissions after the
// connection is gone are fire-and-forget.
type Emitter interface {
	Emit(event string, payload any)
}

// Relay binds one provider session to one connection and mediates all
// message traffic between them. One Relay per live connection; never shared.
type Relay struct {
	provider    Provider
	emitter     Emitter
	instruction string
	genCfg      GenerationConfig
	turnTimeout time.Duration

	// sendMu serializes turns: a second sendMessage queues behind the
	// first turn's streamEnd.
	sendMu sync.Mutex

	// mu guards the current-session pointer. An in-flight turn captured
	// its own session reference, so a reset never cancels it.
	mu        sync.Mutex
	sessionID string
	session   ProviderSession
}

// New creates the relay for a freshly established connection with an empty
// conversation. turnTimeout of zero disables the per-turn deadline.
func New(provider Provider, emitter Emitter, instruction string, genCfg GenerationConfig, turnTimeout time.Duration) *Relay {
	return &Relay{
		provider:    provider,
		emitter:     emitter,
		instruction: instruction,
		genCfg:      genCfg,
		turnTimeout: turnTimeout,
		sessionID:   uuid.NewString(),
		session:     provider.NewSession(instruction, genCfg),
	}
}

// SessionID 返回当前会话段的标识，仅用于日志。
func (r *Relay) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// HandleSendMessage processes one sendMessage event. A non-string or empty
// message is a silent no-op: nothing is emitted and no error is raised.
// For a valid message the relay streams the reply as receiveChunk events in
// production order and terminates the turn with exactly one streamEnd.
func (r *Relay) HandleSendMessage(ctx context.Context, message any) {
	text, ok := message.(string)
	if !ok || text == "" {
		return
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	session := r.session
	sessionID := r.sessionID
	r.mu.Unlock()

	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	stream, err := session.SendStreaming(ctx, text)
	if err != nil {
		r.emitTurnError(sessionID, err)
		return
	}
	defer stream.Close()

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			r.emitTurnError(sessionID, recvErr)
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		r.emitter.Emit(EventReceiveChunk, ChunkPayload{Text: chunk.Content})
	}

	r.emitter.Emit(EventStreamEnd, nil)
}

// HandleReset discards the current session and starts a fresh one with the
// same instruction and generation config. Fire-and-forget: no event goes
// back to the connection, and an in-flight turn keeps streaming against the
// session it captured.
func (r *Relay) HandleReset() {
	r.mu.Lock()
	r.session = r.provider.NewSession(r.instruction, r.genCfg)
	r.sessionID = uuid.NewString()
	sessionID := r.sessionID
	r.mu.Unlock()

	log.Printf("[relay] session reset, new session=%s", sessionID)
}

// emitTurnError downgrades a provider failure to a visible chat line. The
// connection and session survive; the next sendMessage works as usual.
func (r *Relay) emitTurnError(sessionID string, err error) {
	message := "Unknown error"
	if err != nil && err.Error() != "" {
		message = err.Error()
	}

	log.Printf("[relay] turn failed session=%s: %v", sessionID, err)
	r.emitter.Emit(EventReceiveChunk, ChunkPayload{Text: "\n[Error] " + message})
	r.emitter.Emit(EventStreamEnd, nil)
}

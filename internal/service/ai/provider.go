package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/ytscribe/ytscribe/backend/internal/config"
	"github.com/ytscribe/ytscribe/backend/internal/relay"
)

// ErrNotConfigured 表示缺少 Ark 凭证或模型配置。
var ErrNotConfigured = errors.New("ark credentials or model not configured")

// Provider builds chat sessions backed by the Ark model through an eino
// chain. Implements relay.Provider.
type Provider struct{}

// NewProvider creates the Ark-backed session provider.
func NewProvider() *Provider {
	return &Provider{}
}

// NewSession snapshots the current environment credentials and returns a
// fresh conversation. Session construction is local: the model and chain are
// compiled lazily on the first send, so a missing or invalid credential only
// surfaces as a send-time error.
func (p *Provider) NewSession(systemInstruction string, genCfg relay.GenerationConfig) relay.ProviderSession {
	cfg, err := config.LoadAI()
	return &session{
		instruction: systemInstruction,
		genCfg:      genCfg,
		aiCfg:       cfg,
		cfgErr:      err,
	}
}

// session is one running conversation. It owns the turn history; the relay
// never sees it.
type session struct {
	instruction string
	genCfg      relay.GenerationConfig
	aiCfg       config.AIConfig
	cfgErr      error

	mu      sync.Mutex
	chain   compose.Runnable[map[string]any, *schema.Message]
	history []*schema.Message
	pending chan struct{} // closed once the in-flight turn's reply is recorded
}

// SendStreaming forwards one user turn and returns the streamed reply. The
// user turn is recorded immediately; the assistant turn is appended once the
// stream has been drained. A new turn waits for the previous turn's reply to
// land in the history first, so back-to-back sends never observe a
// conversation with the assistant turn missing or out of order.
func (s *session) SendStreaming(ctx context.Context, message string) (*schema.StreamReader[*schema.Message], error) {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfgErr != nil {
		return nil, s.cfgErr
	}

	if s.chain == nil {
		chain, err := s.buildChain(ctx)
		if err != nil {
			return nil, err
		}
		s.chain = chain
	}

	input := map[string]any{
		"system":  s.instruction,
		"history": append([]*schema.Message(nil), s.history...),
		"query":   message,
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream model output: %w", err)
	}

	s.history = append(s.history, schema.UserMessage(message))

	done := make(chan struct{})
	s.pending = done

	copies := stream.Copy(2)
	go s.accumulate(copies[1], done)
	return copies[0], nil
}

// buildChain compiles the prompt template and Ark model into a runnable
// chain, mirroring the session's fixed generation parameters.
func (s *session) buildChain(ctx context.Context) (compose.Runnable[map[string]any, *schema.Message], error) {
	if !s.aiCfg.Enabled() {
		return nil, ErrNotConfigured
	}

	temperature := s.genCfg.Temperature
	maxTokens := s.genCfg.MaxOutputTokens

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     s.aiCfg.BaseURL,
		Region:      s.aiCfg.Region,
		APIKey:      s.aiCfg.APIKey,
		AccessKey:   s.aiCfg.AccessKey,
		SecretKey:   s.aiCfg.SecretKey,
		Model:       s.aiCfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return runnable, nil
}

// accumulate drains its copy of the reply stream and records the assistant
// turn. A failed stream still records whatever text arrived before the error.
// done is closed in every exit path; SendStreaming waits on it.
func (s *session) accumulate(stream *schema.StreamReader[*schema.Message], done chan struct{}) {
	defer close(done)
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		if chunk != nil {
			chunks = append(chunks, chunk)
		}
	}

	if len(chunks) == 0 {
		return
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		log.Printf("[ai] failed to concat reply chunks: %v", err)
		return
	}

	s.mu.Lock()
	s.history = append(s.history, schema.AssistantMessage(merged.Content, nil))
	s.mu.Unlock()
}

package relay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/ytscribe/ytscribe/backend/internal/relay"
)

type emitted struct {
	event string
	text  string
}

// recordingEmitter captures emissions in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var text string
	if chunk, ok := payload.(relay.ChunkPayload); ok {
		text = chunk.Text
	}
	e.events = append(e.events, emitted{event: event, text: text})
}

func (e *recordingEmitter) snapshot() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.events...)
}

// stubSession scripts the provider reply for each message it receives.
type stubSession struct {
	mu       sync.Mutex
	messages []string

	chunks    []string
	chunkFor  func(message string) []string
	callErr   error
	streamErr error
	gate      chan struct{} // when set, the stream waits before its last chunk
}

func (s *stubSession) SendStreaming(_ context.Context, message string) (*schema.StreamReader[*schema.Message], error) {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()

	if s.callErr != nil {
		return nil, s.callErr
	}

	chunks := s.chunks
	if s.chunkFor != nil {
		chunks = s.chunkFor(message)
	}

	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for i, text := range chunks {
			if s.gate != nil && i == len(chunks)-1 {
				<-s.gate
			}
			sw.Send(schema.AssistantMessage(text, nil), nil)
		}
		if s.streamErr != nil {
			sw.Send(nil, s.streamErr)
		}
	}()
	return sr, nil
}

func (s *stubSession) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// stubProvider hands out a fresh stubSession per construction.
type stubProvider struct {
	mu       sync.Mutex
	template stubSession
	sessions []*stubSession
}

func (p *stubProvider) NewSession(_ string, _ relay.GenerationConfig) relay.ProviderSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	session := &stubSession{
		chunks:    p.template.chunks,
		chunkFor:  p.template.chunkFor,
		callErr:   p.template.callErr,
		streamErr: p.template.streamErr,
		gate:      p.template.gate,
	}
	p.sessions = append(p.sessions, session)
	return session
}

func newRelay(provider *stubProvider) (*relay.Relay, *recordingEmitter) {
	emitter := &recordingEmitter{}
	r := relay.New(provider, emitter, "test instruction", relay.GenerationConfig{Temperature: 0.9, MaxOutputTokens: 2048}, 0)
	return r, emitter
}

func assertEvents(t *testing.T, got []emitted, want []emitted) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected event count: got %d (%v) want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestSendMessageStreamsChunksInOrder(t *testing.T) {
	provider := &stubProvider{template: stubSession{chunks: []string{"YT", "Scribe is..."}}}
	r, emitter := newRelay(provider)

	r.HandleSendMessage(context.Background(), "What is YTScribe?")

	assertEvents(t, emitter.snapshot(), []emitted{
		{relay.EventReceiveChunk, "YT"},
		{relay.EventReceiveChunk, "Scribe is..."},
		{relay.EventStreamEnd, ""},
	})
}

func TestSendMessageNonStringIsNoOp(t *testing.T) {
	provider := &stubProvider{template: stubSession{chunks: []string{"never"}}}
	r, emitter := newRelay(provider)

	r.HandleSendMessage(context.Background(), 42)
	r.HandleSendMessage(context.Background(), nil)
	r.HandleSendMessage(context.Background(), "")
	r.HandleSendMessage(context.Background(), []string{"hi"})

	if events := emitter.snapshot(); len(events) != 0 {
		t.Fatalf("expected zero events, got %v", events)
	}
	if got := provider.sessions[0].received(); len(got) != 0 {
		t.Fatalf("provider should not have been called, got %v", got)
	}
}

func TestSendMessageCallErrorEmitsErrorChunk(t *testing.T) {
	provider := &stubProvider{template: stubSession{callErr: errors.New("quota exceeded")}}
	r, emitter := newRelay(provider)

	r.HandleSendMessage(context.Background(), "hi")

	assertEvents(t, emitter.snapshot(), []emitted{
		{relay.EventReceiveChunk, "\n[Error] quota exceeded"},
		{relay.EventStreamEnd, ""},
	})
}

func TestSendMessageStreamErrorKeepsPriorChunks(t *testing.T) {
	provider := &stubProvider{template: stubSession{
		chunks:    []string{"partial ", "answer"},
		streamErr: errors.New("connection reset"),
	}}
	r, emitter := newRelay(provider)

	r.HandleSendMessage(context.Background(), "hi")

	assertEvents(t, emitter.snapshot(), []emitted{
		{relay.EventReceiveChunk, "partial "},
		{relay.EventReceiveChunk, "answer"},
		{relay.EventReceiveChunk, "\n[Error] connection reset"},
		{relay.EventStreamEnd, ""},
	})
}

func TestSessionSurvivesFailedTurn(t *testing.T) {
	provider := &stubProvider{template: stubSession{streamErr: errors.New("transient")}}
	r, emitter := newRelay(provider)

	r.HandleSendMessage(context.Background(), "first")

	provider.sessions[0].mu.Lock()
	provider.sessions[0].streamErr = nil
	provider.sessions[0].chunks = []string{"recovered"}
	provider.sessions[0].mu.Unlock()

	r.HandleSendMessage(context.Background(), "second")

	events := emitter.snapshot()
	last := events[len(events)-2]
	if last.event != relay.EventReceiveChunk || last.text != "recovered" {
		t.Fatalf("expected recovered chunk after failed turn, got %+v", last)
	}
	if len(provider.sessions) != 1 {
		t.Fatalf("failed turn must not replace the session, got %d sessions", len(provider.sessions))
	}
}

func TestResetStartsFreshSession(t *testing.T) {
	provider := &stubProvider{template: stubSession{chunks: []string{"ok"}}}
	r, _ := newRelay(provider)

	r.HandleSendMessage(context.Background(), "remember this")
	before := r.SessionID()

	r.HandleReset()

	if r.SessionID() == before {
		t.Fatal("reset must assign a new session id")
	}

	r.HandleSendMessage(context.Background(), "hello")

	if len(provider.sessions) != 2 {
		t.Fatalf("expected 2 provider sessions, got %d", len(provider.sessions))
	}
	if got := provider.sessions[1].received(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("fresh session should only have seen %q, got %v", "hello", got)
	}
}

func TestResetDoesNotCancelInFlightStream(t *testing.T) {
	gate := make(chan struct{})
	provider := &stubProvider{template: stubSession{chunks: []string{"early", "late"}, gate: gate}}
	r, emitter := newRelay(provider)

	done := make(chan struct{})
	go func() {
		r.HandleSendMessage(context.Background(), "slow question")
		close(done)
	}()

	// Wait for the first chunk, reset mid-stream, then release the rest.
	waitFor(t, func() bool { return len(emitter.snapshot()) >= 1 })
	r.HandleReset()
	close(gate)
	<-done

	assertEvents(t, emitter.snapshot(), []emitted{
		{relay.EventReceiveChunk, "early"},
		{relay.EventReceiveChunk, "late"},
		{relay.EventStreamEnd, ""},
	})
}

func TestOverlappingSendsAreSerialized(t *testing.T) {
	provider := &stubProvider{template: stubSession{chunkFor: func(message string) []string {
		return []string{message + "-1", message + "-2"}
	}}}
	r, emitter := newRelay(provider)

	var wg sync.WaitGroup
	for _, msg := range []string{"a", "b"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			r.HandleSendMessage(context.Background(), m)
		}(msg)
	}
	wg.Wait()

	events := emitter.snapshot()
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %v", events)
	}

	// Each turn must be contiguous: two chunks then streamEnd, twice.
	for turn := 0; turn < 2; turn++ {
		base := turn * 3
		first := events[base].text
		if len(first) < 2 {
			t.Fatalf("unexpected chunk %q", first)
		}
		msg := first[:len(first)-2]
		want := []emitted{
			{relay.EventReceiveChunk, fmt.Sprintf("%s-1", msg)},
			{relay.EventReceiveChunk, fmt.Sprintf("%s-2", msg)},
			{relay.EventStreamEnd, ""},
		}
		assertEvents(t, events[base:base+3], want)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

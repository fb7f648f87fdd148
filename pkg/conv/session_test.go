package conv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/iterator"

	"github.com/brightlamp-ai/brightlamp/pkg/llm"
	"github.com/brightlamp-ai/brightlamp/pkg/speech"
)

// fakeTransport is an in-memory Transport for session tests.
type fakeTransport struct {
	in chan []byte

	mu          sync.Mutex
	sent        []*Envelope
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64)}
}

func (f *fakeTransport) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return nil, errors.New("transport closed")
		}
		return data, nil
	case <-time.After(timeout):
		return nil, ErrReceiveTimeout
	}
}

func (f *fakeTransport) Send(e *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
	return nil
}

func (f *fakeTransport) envelopes() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) push(t *testing.T, typ string, payload any) {
	t.Helper()
	f.in <- clientJSON(t, typ, "7", payload)
}

// waitFor polls until an envelope of the given type has been sent.
func (f *fakeTransport) waitFor(t *testing.T, typ string) *Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range f.envelopes() {
			if e.Type == typ {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s envelope; got %v", typ, typesOf(f.envelopes()))
	return nil
}

// waitForState polls until the given state has been announced.
func (f *fakeTransport) waitForState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range f.envelopes() {
			if e.Type != TypeState {
				continue
			}
			var p StatePayload
			if json.Unmarshal(e.Payload, &p) == nil && p.State == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s never announced; got %v", want, typesOf(f.envelopes()))
}

// waitForCount polls until n envelopes of the given type have been sent.
func (f *fakeTransport) waitForCount(t *testing.T, typ string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, e := range f.envelopes() {
			if e.Type == typ {
				count++
			}
		}
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d %s envelopes; got %v", n, typ, typesOf(f.envelopes()))
}

func typesOf(envs []*Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func decodePayload[T any](t *testing.T, e *Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", e.Type, err)
	}
	return p
}

// scriptedASR emits canned partials immediately, then the final result
// once the frame channel closes. When finals is set, consecutive streams
// take consecutive entries.
type scriptedASR struct {
	partials []string
	final    string
	finals   []string
	err      error

	mu    sync.Mutex
	calls int
}

func (a *scriptedASR) TranscribeStream(_ context.Context, frames <-chan []byte, interrupted func() bool) (speech.ResultStream, error) {
	if a.err != nil {
		return nil, a.err
	}
	a.mu.Lock()
	final := a.final
	if a.calls < len(a.finals) {
		final = a.finals[a.calls]
	}
	a.calls++
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for range frames {
		}
		close(done)
	}()
	return &scriptedASRStream{a: a, final: final, framesDone: done, interrupted: interrupted}, nil
}

type scriptedASRStream struct {
	a           *scriptedASR
	final       string
	i           int
	framesDone  chan struct{}
	interrupted func() bool
}

func (s *scriptedASRStream) Next() (*speech.Result, error) {
	if s.interrupted() {
		return nil, iterator.Done
	}
	if s.i < len(s.a.partials) {
		r := &speech.Result{Text: s.a.partials[s.i]}
		s.i++
		return r, nil
	}
	<-s.framesDone
	if s.i == len(s.a.partials) && s.final != "" {
		s.i++
		return &speech.Result{Text: s.final, IsFinal: true}, nil
	}
	return nil, iterator.Done
}

func (s *scriptedASRStream) Close() error { return nil }

// scriptedLLM streams canned deltas, optionally gated per delta, then a
// final chunk with a cursor.
type scriptedLLM struct {
	deltas []string
	cursor string
	gate   chan struct{}

	mu   sync.Mutex
	reqs []*llm.Request
}

func (l *scriptedLLM) Stream(_ context.Context, req *llm.Request) (llm.Stream, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
	return &scriptedLLMStream{l: l, interrupted: req.Interrupted}, nil
}

type scriptedLLMStream struct {
	l           *scriptedLLM
	i           int
	finalSent   bool
	interrupted func() bool
}

func (s *scriptedLLMStream) Next() (*llm.Chunk, error) {
	if s.interrupted != nil && s.interrupted() {
		return nil, iterator.Done
	}
	if s.i < len(s.l.deltas) {
		if s.l.gate != nil {
			<-s.l.gate
		}
		if s.interrupted != nil && s.interrupted() {
			return nil, iterator.Done
		}
		c := &llm.Chunk{Delta: s.l.deltas[s.i]}
		s.i++
		return c, nil
	}
	if !s.finalSent {
		s.finalSent = true
		return &llm.Chunk{Final: true, Cursor: s.l.cursor}, nil
	}
	return nil, iterator.Done
}

func (s *scriptedLLMStream) Close() error { return nil }

// scriptedTTS wraps every request as a static sentence/audio/finished
// stream.
type scriptedTTS struct {
	audio []byte
}

func (s *scriptedTTS) SynthesizeStream(_ context.Context, text string, _ func() bool) (speech.EventStream, error) {
	return speech.NewStaticStream(text, s.audio), nil
}

// gatedTTS stalls its first stream until the interrupt predicate fires;
// later streams behave like scriptedTTS.
type gatedTTS struct {
	audio []byte

	mu    sync.Mutex
	calls int
}

func (g *gatedTTS) SynthesizeStream(_ context.Context, text string, interrupted func() bool) (speech.EventStream, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		return &stalledEventStream{interrupted: interrupted}, nil
	}
	return speech.NewStaticStream(text, g.audio), nil
}

type stalledEventStream struct {
	interrupted func() bool
	closed      atomic.Bool
}

func (s *stalledEventStream) Next() (*speech.Event, error) {
	for !s.interrupted() && !s.closed.Load() {
		time.Sleep(2 * time.Millisecond)
	}
	return nil, iterator.Done
}

func (s *stalledEventStream) Close() error {
	s.closed.Store(true)
	return nil
}

type sessionFixture struct {
	transport *fakeTransport
	store     *Store
	session   *Session
	llm       *scriptedLLM
	runDone   chan struct{}
}

func startSession(t *testing.T, asr *scriptedASR, gen *scriptedLLM, cfg Config, seed bool) *sessionFixture {
	t.Helper()
	store := newTestStore(t)
	if seed {
		seedTest(t, store, "7", "42")
	}
	transport := newFakeTransport()
	providers := Providers{
		Transcriber: asr,
		Synthesizer: &scriptedTTS{audio: []byte{1, 2, 3, 4}},
		LLM:         gen,
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.PartialStable == 0 {
		cfg.PartialStable = 10 * time.Second
	}
	sess := NewSession("7", "42", transport, store, providers, cfg, nil)

	f := &sessionFixture{
		transport: transport,
		store:     store,
		session:   sess,
		llm:       gen,
		runDone:   make(chan struct{}),
	}
	go func() {
		defer close(f.runDone)
		sess.Run(context.Background())
	}()
	t.Cleanup(func() {
		close(transport.in)
		select {
		case <-f.runDone:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return f
}

func silentFrame() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 640))
}

func TestSession_FullTurn(t *testing.T) {
	asr := &scriptedASR{partials: []string{"讲讲"}, final: "讲讲太阳系"}
	gen := &scriptedLLM{
		deltas: []string{
			"[S]太阳系有八大行星。[/S][B]:::step{n=1} 行星\n水星 金星 地球 火星\n:::[/B]",
			"[S]它们围绕太阳旋转。[/S]",
		},
		cursor: "resp-1",
	}
	f := startSession(t, asr, gen, Config{}, true)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	f.transport.push(t, TypeUserAudioChunk, AudioChunkPayload{StreamID: "s1", Seq: 0, DataB64: silentFrame()})
	f.transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s1", LastSeq: 0})

	done := f.transport.waitFor(t, TypeDone)
	dp := decodePayload[DonePayload](t, done)
	if dp.TotalSegments != 2 || dp.Reason != ReasonCompleted {
		t.Fatalf("done = %+v", dp)
	}

	types := typesOf(f.transport.envelopes())
	wantOrder := []string{
		TypeState,        // idle
		TypeState,        // listening
		TypeASRPartial,   // 讲讲
		TypeASRFinal,     // 讲讲太阳系
		TypeState,        // processing
		TypeState,        // speaking
		TypeSegmentStart, // 0
		TypeAITextDelta,
		TypeAudioChunk,
		TypeAudioEnd,
		TypeBoard,
		TypeSegmentStart, // 1
		TypeAITextDelta,
		TypeAudioChunk,
		TypeAudioEnd,
		TypeDone,
		TypeState, // listening
	}
	if !isSubsequence(wantOrder, types) {
		t.Fatalf("emission order = %v", types)
	}

	final := f.transport.waitFor(t, TypeASRFinal)
	if p := decodePayload[ASRFinalPayload](t, final); p.Text != "讲讲太阳系" || p.StreamID != "s1" {
		t.Errorf("asr_final = %+v", p)
	}
	board := f.transport.waitFor(t, TypeBoard)
	if p := decodePayload[BoardPayload](t, board); p.Format != "md" || !strings.Contains(p.Content, ":::step") {
		t.Errorf("board = %+v", p)
	}

	ctx := context.Background()
	msgs, err := f.store.Messages(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Fatalf("message log = %+v", msgs)
	}
	if !strings.Contains(msgs[1].Content, "它们围绕太阳旋转。") {
		t.Errorf("assistant log = %q", msgs[1].Content)
	}
	if c, _ := f.store.Cursor(ctx, "7"); c != "resp-1" {
		t.Errorf("cursor = %q", c)
	}
}

func TestSession_AudioChunkSeqMonotone(t *testing.T) {
	asr := &scriptedASR{final: "讲个笑话"}
	gen := &scriptedLLM{deltas: []string{"[S]好呀，有一天。[/S]"}, cursor: "r"}
	f := startSession(t, asr, gen, Config{}, true)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	f.transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s1"})
	f.transport.waitFor(t, TypeDone)

	lastSeq := -1
	var endSeq int
	for _, e := range f.transport.envelopes() {
		switch e.Type {
		case TypeAudioChunk:
			p := decodePayload[AudioChunkOutPayload](t, e)
			if p.Seq <= lastSeq {
				t.Fatalf("audio seq %d after %d", p.Seq, lastSeq)
			}
			lastSeq = p.Seq
		case TypeAudioEnd:
			endSeq = decodePayload[AudioEndPayload](t, e).LastSeq
		}
	}
	if lastSeq == -1 {
		t.Fatal("no audio chunks emitted")
	}
	if endSeq != lastSeq {
		t.Errorf("audio_end last_seq = %d, want %d", endSeq, lastSeq)
	}
}

func TestSession_InterruptIdempotent(t *testing.T) {
	asr := &scriptedASR{final: "讲讲太阳系"}
	gen := &scriptedLLM{
		deltas: []string{"[S]第一段。[/S]", "[S]第二段。[/S]"},
		cursor: "r",
		gate:   make(chan struct{}),
	}
	f := startSession(t, asr, gen, Config{}, true)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	f.transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s1"})

	// The turn is processing but the LLM is gated; interrupt twice.
	f.transport.waitForState(t, StateProcessing)
	f.transport.push(t, TypeInterrupt, struct{}{})
	f.transport.push(t, TypeInterrupt, struct{}{})
	time.Sleep(50 * time.Millisecond)
	close(gen.gate)

	done := f.transport.waitFor(t, TypeDone)
	dp := decodePayload[DonePayload](t, done)
	if dp.Reason != ReasonInterrupted || dp.TotalSegments != 0 {
		t.Fatalf("done = %+v", dp)
	}

	// A single done, no segments, and no assistant message.
	time.Sleep(50 * time.Millisecond)
	dones := 0
	for _, e := range f.transport.envelopes() {
		switch e.Type {
		case TypeDone:
			dones++
		case TypeSegmentStart, TypeAITextDelta, TypeAudioChunk, TypeBoard:
			t.Fatalf("segment traffic after interrupt: %s", e.Type)
		}
	}
	if dones != 1 {
		t.Fatalf("%d done envelopes, want 1", dones)
	}
	msgs, _ := f.store.Messages(context.Background(), "7")
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant {
			t.Fatalf("assistant message logged for aborted turn: %+v", m)
		}
	}
}

func TestSession_NewUtteranceSupersedesActiveTurn(t *testing.T) {
	store := newTestStore(t)
	seedTest(t, store, "7", "42")

	asr := &scriptedASR{finals: []string{"第一个问题", "第二个问题"}}
	gen := &scriptedLLM{deltas: []string{"[S]我来回答。[/S]"}, cursor: "r"}
	tts := &gatedTTS{audio: []byte{1, 2}}
	transport := newFakeTransport()
	sess := NewSession("7", "42", transport, store, Providers{
		Transcriber: asr,
		Synthesizer: tts,
		LLM:         gen,
	}, Config{IdleTimeout: 5 * time.Second, PartialStable: 10 * time.Second}, nil)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sess.Run(context.Background())
	}()
	defer func() {
		close(transport.in)
		<-runDone
	}()

	transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s1"})

	// The first turn must be stalled inside synthesis before the second
	// utterance finalizes.
	transport.waitFor(t, TypeSegmentStart)
	deadline := time.Now().Add(2 * time.Second)
	for {
		tts.mu.Lock()
		started := tts.calls > 0
		tts.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first turn never reached synthesis")
		}
		time.Sleep(2 * time.Millisecond)
	}

	transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s2"})
	transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s2"})

	transport.waitForCount(t, TypeDone, 2)
	time.Sleep(50 * time.Millisecond)

	// The first turn ends as interrupted before any of the second turn's
	// segment traffic; the second runs to completion.
	envs := transport.envelopes()
	var dones []int
	for i, e := range envs {
		if e.Type == TypeDone {
			dones = append(dones, i)
		}
	}
	if len(dones) != 2 {
		t.Fatalf("%d done envelopes, want 2: %v", len(dones), typesOf(envs))
	}
	first := decodePayload[DonePayload](t, envs[dones[0]])
	if first.Reason != ReasonInterrupted || first.TotalSegments != 0 {
		t.Fatalf("first done = %+v", first)
	}
	second := decodePayload[DonePayload](t, envs[dones[1]])
	if second.Reason != ReasonCompleted || second.TotalSegments != 1 {
		t.Fatalf("second done = %+v", second)
	}
	for _, e := range envs[:dones[0]] {
		if e.Type == TypeAudioChunk || e.Type == TypeAudioEnd {
			t.Fatalf("superseded turn emitted audio: %v", typesOf(envs))
		}
	}
	between := typesOf(envs[dones[0]+1 : dones[1]])
	if !isSubsequence([]string{TypeSegmentStart, TypeAITextDelta, TypeAudioChunk, TypeAudioEnd}, between) {
		t.Fatalf("second turn emission = %v", between)
	}
	for _, e := range envs[dones[1]+1:] {
		switch e.Type {
		case TypeSegmentStart, TypeAITextDelta, TypeAudioChunk, TypeBoard:
			t.Fatalf("segment traffic after final done: %v", typesOf(envs))
		}
	}

	// Only the completed turn lands in the message log.
	msgs, err := store.Messages(context.Background(), "7")
	if err != nil {
		t.Fatal(err)
	}
	assistants := 0
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant {
			assistants++
		}
	}
	if assistants != 1 {
		t.Fatalf("%d assistant messages, want 1: %+v", assistants, msgs)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.reqs) != 2 || gen.reqs[0].UserTurn != "第一个问题" || gen.reqs[1].UserTurn != "第二个问题" {
		t.Fatalf("llm requests = %+v", gen.reqs)
	}
}

func TestSession_PartialStabilityFinalize(t *testing.T) {
	asr := &scriptedASR{partials: []string{"你好"}}
	gen := &scriptedLLM{deltas: []string{"[S]你好呀。[/S]"}, cursor: "r"}
	f := startSession(t, asr, gen, Config{PartialStable: 80 * time.Millisecond}, true)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	// No mic_end: the unchanged partial alone must force finalization.

	final := f.transport.waitFor(t, TypeASRFinal)
	if p := decodePayload[ASRFinalPayload](t, final); p.Text != "你好" {
		t.Fatalf("asr_final = %+v", p)
	}
	done := f.transport.waitFor(t, TypeDone)
	if p := decodePayload[DonePayload](t, done); p.Reason != ReasonCompleted {
		t.Errorf("done = %+v", p)
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	asr := &scriptedASR{}
	gen := &scriptedLLM{}
	f := startSession(t, asr, gen, Config{IdleTimeout: 80 * time.Millisecond}, true)

	select {
	case <-f.runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not time out")
	}

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	if !f.transport.closed || f.transport.closeCode != CloseNormal || f.transport.closeReason != "Idle timeout" {
		t.Errorf("close = %v %d %q", f.transport.closed, f.transport.closeCode, f.transport.closeReason)
	}
}

func TestSession_MalformedEnvelopeKeepsConnection(t *testing.T) {
	f := startSession(t, &scriptedASR{}, &scriptedLLM{}, Config{}, true)

	f.transport.in <- []byte("not json")
	errEnv := f.transport.waitFor(t, TypeError)
	p := decodePayload[ErrorPayload](t, errEnv)
	if p.Code != CodeMalformed || !p.Retryable {
		t.Fatalf("error payload = %+v", p)
	}

	// Connection stays usable.
	f.transport.push(t, TypePing, struct{}{})
	f.transport.waitFor(t, TypePong)
}

func TestSession_ProviderFailure(t *testing.T) {
	asr := &scriptedASR{err: errors.New("asr unreachable")}
	f := startSession(t, asr, &scriptedLLM{}, Config{}, true)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})

	errEnv := f.transport.waitFor(t, TypeError)
	p := decodePayload[ErrorPayload](t, errEnv)
	if p.Code != CodeProviderTransient || !p.Retryable {
		t.Errorf("error payload = %+v", p)
	}
}

func TestSession_ExpiredSessionFallback(t *testing.T) {
	asr := &scriptedASR{final: "继续"}
	gen := &scriptedLLM{}
	// No seed: the session record is missing when the turn starts.
	f := startSession(t, asr, gen, Config{}, false)

	f.transport.push(t, TypeMicStart, MicStartPayload{StreamID: "s1"})
	f.transport.push(t, TypeMicEnd, MicEndPayload{StreamID: "s1"})

	delta := f.transport.waitFor(t, TypeAITextDelta)
	if p := decodePayload[AITextDeltaPayload](t, delta); !strings.Contains(p.Delta, "会话已过期") {
		t.Errorf("fallback delta = %+v", p)
	}
	board := f.transport.waitFor(t, TypeBoard)
	if p := decodePayload[BoardPayload](t, board); !strings.Contains(p.Content, "会话已过期") {
		t.Errorf("fallback board = %+v", p)
	}
	done := f.transport.waitFor(t, TypeDone)
	if p := decodePayload[DonePayload](t, done); p.TotalSegments != 1 {
		t.Errorf("done = %+v", p)
	}
}

func TestSession_InitialUserMessage(t *testing.T) {
	store := newTestStore(t)
	err := store.SeedSession(context.Background(), Seed{
		ConversationID:     "7",
		UserID:             "42",
		Type:               "chat",
		InitialUserMessage: "讲个笑话",
	})
	if err != nil {
		t.Fatal(err)
	}

	transport := newFakeTransport()
	gen := &scriptedLLM{deltas: []string{"[S]好呀。[/S]"}, cursor: "r"}
	sess := NewSession("7", "42", transport, store, Providers{
		Transcriber: &scriptedASR{},
		Synthesizer: &scriptedTTS{audio: []byte{1, 2}},
		LLM:         gen,
	}, Config{IdleTimeout: 5 * time.Second}, nil)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sess.Run(context.Background())
	}()
	defer func() {
		close(transport.in)
		<-runDone
	}()

	done := transport.waitFor(t, TypeDone)
	if p := decodePayload[DonePayload](t, done); p.Reason != ReasonCompleted {
		t.Fatalf("done = %+v", p)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.reqs) != 1 || gen.reqs[0].UserTurn != "讲个笑话" {
		t.Fatalf("llm requests = %+v", gen.reqs)
	}
}

// isSubsequence reports whether want appears in got in order.
func isSubsequence(want, got []string) bool {
	i := 0
	for _, g := range got {
		if i < len(want) && want[i] == g {
			i++
		}
	}
	return i == len(want)
}

package conv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/api/iterator"

	"github.com/brightlamp-ai/brightlamp/pkg/llm"
	"github.com/brightlamp-ai/brightlamp/pkg/speech"
	"github.com/brightlamp-ai/brightlamp/pkg/vad"
)

// ErrReceiveTimeout is returned by Transport.Receive when no envelope
// arrives within the deadline.
var ErrReceiveTimeout = errors.New("conv: receive timeout")

// Transport is the session's view of the client connection. Receive
// blocks for at most the given timeout.
type Transport interface {
	Conn
	Receive(timeout time.Duration) ([]byte, error)
}

// Providers bundles the capability adapters one session drives.
type Providers struct {
	Transcriber speech.StreamTranscriber
	Synthesizer speech.Synthesizer
	LLM         llm.Streamer
}

// Config carries the session timing knobs. Zero values take defaults.
type Config struct {
	IdleTimeout      time.Duration
	ListeningTimeout time.Duration
	PartialStable    time.Duration
	FinalGrace       time.Duration
	EchoWindow       time.Duration
	FrameDuration    time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ListeningTimeout == 0 {
		c.ListeningTimeout = 60 * time.Second
	}
	if c.PartialStable == 0 {
		c.PartialStable = 1500 * time.Millisecond
	}
	if c.FinalGrace == 0 {
		c.FinalGrace = 2 * time.Second
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = vad.PlaybackEchoWindow
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	return c
}

// audioStream is one contiguous microphone burst feeding an ASR worker.
type audioStream struct {
	id     string
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newAudioStream(id string) *audioStream {
	return &audioStream{id: id, frames: make(chan []byte, 256)}
}

// push admits a frame. Frames sent to a closed or full stream are
// dropped.
func (a *audioStream) push(frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.frames <- frame:
	default:
	}
}

// end closes the frame channel, signalling end of utterance. Idempotent.
func (a *audioStream) end() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.frames)
	}
}

// Session is the per-connection actor that owns all transient pipeline
// state: the FSM, the current audio stream, VAD, and the turn task.
// It is constructed on admit and destroyed on disconnect.
type Session struct {
	ID     string
	UserID string

	transport Transport
	store     *Store
	providers Providers
	cfg       Config
	log       *slog.Logger

	// turnMu serializes assistant turns. A new final interrupts the
	// holder, then waits for it to wind down.
	turnMu sync.Mutex

	mu          sync.Mutex
	state       State
	turnActive  bool
	stream      *audioStream
	frameDur    time.Duration
	graceUntil  time.Time
	lastAudioAt time.Time

	interrupted atomic.Bool
	lastTTS     atomic.Int64

	detector *vad.Detector
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSession builds a session actor for an admitted connection.
func NewSession(id, userID string, t Transport, store *Store, p Providers, cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		transport: t,
		store:     store,
		providers: p,
		cfg:       cfg.withDefaults(),
		log:       log,
		detector:  vad.NewDetector(),
		frameDur:  cfg.withDefaults().FrameDuration,
	}
}

// Run drives the receive loop until the connection closes or times out.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	defer s.teardown()

	s.setState(StateIdle, "")

	if rec, err := s.store.Session(ctx, s.ID); err == nil && rec.InitialUserMessage != "" {
		msg := rec.InitialUserMessage
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTurn(ctx, msg)
		}()
	} else {
		// No seeded opening turn; start listening right away.
		s.setState(StateListening, "")
	}

	for {
		data, err := s.transport.Receive(s.cfg.IdleTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				s.transport.Close(CloseNormal, "Idle timeout")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if s.listeningExpired() {
			s.transport.Close(CloseNormal, "Listening timeout")
			return nil
		}

		env, err := DecodeClient(data, s.ID)
		if err != nil {
			s.send(NewError(s.ID, CodeMalformed, err.Error(), true))
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *Session) handle(ctx context.Context, env *ClientEnvelope) {
	switch env.Type {
	case TypePing:
		s.send(NewPong(s.ID))
	case TypeClientHello:
		if env.Hello.Audio.FrameMs > 0 {
			s.mu.Lock()
			s.frameDur = time.Duration(env.Hello.Audio.FrameMs) * time.Millisecond
			s.mu.Unlock()
		}
	case TypeMicStart:
		s.startStream(ctx, env.MicStart.StreamID)
	case TypeUserAudioChunk:
		s.handleAudio(ctx, env.AudioChunk)
	case TypeMicEnd:
		s.endStream(env.MicEnd.StreamID)
	case TypeImage:
		s.handleImage(ctx, env.Image)
	case TypeInterrupt:
		s.interrupt(ctx, "client interrupt")
	}
}

// startStream tears down any previous audio stream and wires a fresh
// frame channel to a new ASR worker.
func (s *Session) startStream(ctx context.Context, streamID string) {
	st := newAudioStream(streamID)

	s.mu.Lock()
	if s.stream != nil {
		s.stream.end()
	}
	s.stream = st
	s.lastAudioAt = time.Now()
	s.graceUntil = time.Time{}
	idle := s.state == StateIdle
	s.mu.Unlock()

	s.detector.Reset()
	if idle {
		s.setState(StateListening, "")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runASRWorker(ctx, st)
	}()
}

func (s *Session) endStream(streamID string) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil && st.id == streamID {
		st.end()
	}
}

func (s *Session) handleAudio(ctx context.Context, p *AudioChunkPayload) {
	s.mu.Lock()
	st := s.stream
	grace := s.graceUntil
	frameDur := s.frameDur
	state := s.state
	s.lastAudioAt = time.Now()
	s.mu.Unlock()

	if st == nil || st.id != p.StreamID {
		return
	}
	if time.Now().Before(grace) {
		return
	}
	data, err := p.Data()
	if err != nil {
		s.send(NewError(s.ID, CodeMalformed, err.Error(), true))
		return
	}

	echo := state == StateSpeaking ||
		time.Since(time.Unix(0, s.lastTTS.Load())) < s.cfg.EchoWindow
	dec := s.detector.Process(data, frameDur, echo)
	if dec.BargeIn {
		s.interrupt(ctx, "barge-in")
	}
	if dec.Admit {
		st.push(data)
	}
	if dec.EndOfUtterance {
		st.end()
	}
}

func (s *Session) handleImage(ctx context.Context, p *ImagePayload) {
	if err := s.store.SetVar(ctx, s.ID, "context_image_url", p.ImageURL); err != nil {
		s.log.Error("store image var", "conv_id", s.ID, "error", err)
	}
	// The cached prompt no longer reflects the question context.
	if err := s.store.ClearPrompt(ctx, s.ID); err != nil {
		s.log.Error("clear prompt cache", "conv_id", s.ID, "error", err)
	}
	if err := s.store.AppendMessage(ctx, s.ID, MessageRecord{
		Role: llm.RoleUser, Kind: "image", Content: p.ImageURL,
	}); err != nil {
		s.log.Error("append image message", "conv_id", s.ID, "error", err)
	}
}

// interrupt aborts the in-flight turn if any; otherwise it only steers
// the state back to LISTENING. Idempotent.
func (s *Session) interrupt(ctx context.Context, detail string) {
	s.mu.Lock()
	active := s.turnActive
	st := s.stream
	s.mu.Unlock()

	if active {
		if s.interrupted.CompareAndSwap(false, true) {
			if err := s.store.SetInterrupt(ctx, s.ID); err != nil {
				s.log.Error("set interrupt flag", "conv_id", s.ID, "error", err)
			}
			s.log.Info("turn interrupted", "conv_id", s.ID, "detail", detail)
		}
		return
	}
	if st != nil {
		st.end()
	}
	s.setState(StateListening, detail)
}

func (s *Session) isInterrupted() bool {
	return s.interrupted.Load()
}

// runASRWorker drives one transcription stream, handling partials,
// partial-stability finalization, and the handoff into the LLM turn.
func (s *Session) runASRWorker(ctx context.Context, st *audioStream) {
	stream, err := s.providers.Transcriber.TranscribeStream(ctx, st.frames, s.isInterrupted)
	if err != nil {
		s.providerError(err)
		return
	}
	defer stream.Close()

	type asrMsg struct {
		res *speech.Result
		err error
	}
	results := make(chan asrMsg)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			res, err := stream.Next()
			select {
			case results <- asrMsg{res, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var lastText string
	var lastChange time.Time
	finalText := ""
	gotFinal := false

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !gotFinal {
		select {
		case <-ctx.Done():
			return
		case m := <-results:
			if errors.Is(m.err, iterator.Done) {
				// Stream wound down without a final transcript.
				s.setState(StateListening, "")
				return
			}
			if m.err != nil {
				s.providerError(m.err)
				return
			}
			if m.res.IsFinal {
				finalText = m.res.Text
				gotFinal = true
				break
			}
			if m.res.Text != lastText {
				lastText = m.res.Text
				lastChange = time.Now()
			}
			s.send(NewASRPartial(s.ID, st.id, m.res.Text))
		case <-ticker.C:
			if lastText != "" && time.Since(lastChange) >= s.cfg.PartialStable {
				// Partial has been stable long enough; force-finalize and
				// open a short grace window that drops trailing audio.
				finalText = lastText
				gotFinal = true
				s.mu.Lock()
				s.graceUntil = time.Now().Add(s.cfg.FinalGrace)
				s.mu.Unlock()
				st.end()
			}
		}
	}

	if finalText == "" {
		s.setState(StateListening, "")
		return
	}
	s.send(NewASRFinal(s.ID, st.id, finalText))
	s.runTurn(ctx, finalText)
}

func (s *Session) providerError(err error) {
	s.log.Error("provider failure", "conv_id", s.ID, "error", err)
	s.send(NewError(s.ID, CodeProviderTransient, "provider failure", true))
	s.setState(StateListening, "")
}

// setState announces a state change to the client and reflects it in the
// shared store. Repeated transitions into the current state are no-ops.
func (s *Session) setState(state State, detail string) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state == StateListening {
		s.lastAudioAt = time.Now()
	}
	s.mu.Unlock()

	s.send(NewState(s.ID, state, detail))
	if rec, err := s.store.Session(s.ctx, s.ID); err == nil {
		rec.State = string(state)
		rec.LastActiveAt = time.Now()
		if err := s.store.SaveSession(s.ctx, s.ID, rec); err != nil {
			s.log.Error("save session state", "conv_id", s.ID, "error", err)
		}
	}
}

func (s *Session) send(e *Envelope) {
	if err := s.transport.Send(e); err != nil {
		// A failed send is an implicit disconnect.
		s.log.Warn("send failed", "conv_id", s.ID, "type", e.Type, "error", err)
		s.transport.Close(CloseNormal, "")
		if s.cancel != nil {
			s.cancel()
		}
	}
}

func (s *Session) listeningExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening &&
		time.Since(s.lastAudioAt) > s.cfg.ListeningTimeout
}

func (s *Session) teardown() {
	s.mu.Lock()
	if s.stream != nil {
		s.stream.end()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.store.Touch(context.Background(), s.ID, false); err != nil &&
		!errors.Is(err, context.Canceled) {
		s.log.Debug("clear connected flag", "conv_id", s.ID, "error", err)
	}
}

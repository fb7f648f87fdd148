package conv

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/api/iterator"

	"github.com/brightlamp-ai/brightlamp/pkg/kv"
	"github.com/brightlamp-ai/brightlamp/pkg/llm"
	"github.com/brightlamp-ai/brightlamp/pkg/prompts"
	"github.com/brightlamp-ai/brightlamp/pkg/segment"
	"github.com/brightlamp-ai/brightlamp/pkg/speech"
)

// errTurnInterrupted aborts segment emission when the interrupt flag
// fires mid-turn.
var errTurnInterrupted = errors.New("conv: turn interrupted")

// Spoken/board fallback when the session record vanished mid-turn.
const (
	expiredSpeech = "抱歉，会话已过期，请重新开始。"
	expiredBoard  = ":::note{color=yellow}\n会话已过期\n:::"
)

// runTurn drives one assistant turn: prompt assembly, the LLM stream,
// incremental segment parsing, and TTS emission per segment.
func (s *Session) runTurn(ctx context.Context, userText string) {
	// A final arriving while a turn is still emitting supersedes it: the
	// running turn is interrupted, then this one waits for the lock.
	s.mu.Lock()
	active := s.turnActive
	s.mu.Unlock()
	if active && s.interrupted.CompareAndSwap(false, true) {
		if err := s.store.SetInterrupt(ctx, s.ID); err != nil {
			s.log.Error("set interrupt flag", "conv_id", s.ID, "error", err)
		}
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	// Interrupts aimed at the superseded turn do not carry over.
	s.interrupted.Store(false)
	if err := s.store.ClearInterrupt(ctx, s.ID); err != nil && ctx.Err() == nil {
		s.log.Debug("clear interrupt flag", "conv_id", s.ID, "error", err)
	}

	s.mu.Lock()
	s.turnActive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnActive = false
		s.mu.Unlock()
		s.interrupted.Store(false)
		if err := s.store.ClearInterrupt(ctx, s.ID); err != nil && ctx.Err() == nil {
			s.log.Debug("clear interrupt flag", "conv_id", s.ID, "error", err)
		}
	}()

	s.setState(StateProcessing, "")

	rec, err := s.store.Session(ctx, s.ID)
	if errors.Is(err, kv.ErrNotFound) {
		s.expiredTurn(ctx)
		return
	}
	if err != nil {
		s.providerError(err)
		return
	}

	history := s.loadHistory(ctx)
	if err := s.store.AppendMessage(ctx, s.ID, MessageRecord{
		Role: llm.RoleUser, Content: userText,
	}); err != nil {
		s.log.Error("append user message", "conv_id", s.ID, "error", err)
	}

	prompt := s.systemPrompt(ctx, rec)
	cursor, err := s.store.Cursor(ctx, s.ID)
	if err != nil {
		s.log.Error("load resume cursor", "conv_id", s.ID, "error", err)
	}

	stream, err := s.providers.LLM.Stream(ctx, &llm.Request{
		SystemPrompt: prompt,
		History:      history,
		UserTurn:     userText,
		ResumeCursor: cursor,
		Interrupted:  s.isInterrupted,
	})
	if err != nil {
		s.providerError(err)
		return
	}
	defer stream.Close()

	parser := segment.NewParser()
	var full strings.Builder
	total := 0
	newCursor := ""
	sawFinal := false
	interrupted := false
	var providerErr error

loop:
	for {
		chunk, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			interrupted = !sawFinal
			break
		}
		if err != nil {
			providerErr = err
			break
		}
		if chunk.Final {
			sawFinal = true
			newCursor = chunk.Cursor
			break
		}

		full.WriteString(chunk.Delta)
		for _, seg := range parser.Feed(chunk.Delta) {
			if err := s.emitSegment(ctx, seg, total); err != nil {
				if errors.Is(err, errTurnInterrupted) {
					interrupted = true
				} else {
					providerErr = err
				}
				break loop
			}
			total++
		}

		// The in-memory flag catches this connection's interrupts; the
		// shared flag catches a superseding connection's.
		if s.isInterrupted() || s.store.Interrupted(ctx, s.ID) {
			s.interrupted.Store(true)
			interrupted = true
			break
		}
	}

	if providerErr != nil {
		parser.Reset()
		s.log.Error("turn provider failure", "conv_id", s.ID, "error", providerErr)
		s.send(NewError(s.ID, CodeProviderTransient, "provider failure", true))
		s.send(NewDone(s.ID, total, ReasonInterrupted))
		s.setState(StateListening, "")
		return
	}
	if interrupted {
		parser.Reset()
		s.send(NewDone(s.ID, total, ReasonInterrupted))
		s.setState(StateListening, "")
		return
	}

	if seg := parser.Finalize(); seg != nil {
		if err := s.emitSegment(ctx, *seg, total); err != nil {
			reason := ReasonInterrupted
			if !errors.Is(err, errTurnInterrupted) {
				s.send(NewError(s.ID, CodeProviderTransient, "provider failure", true))
			}
			s.send(NewDone(s.ID, total, reason))
			s.setState(StateListening, "")
			return
		}
		total++
	}

	if err := s.store.AppendMessage(ctx, s.ID, MessageRecord{
		Role: llm.RoleAssistant, Content: full.String(),
	}); err != nil {
		s.log.Error("append assistant message", "conv_id", s.ID, "error", err)
	}
	if newCursor != "" {
		if err := s.store.SetCursor(ctx, s.ID, newCursor); err != nil {
			s.log.Error("save resume cursor", "conv_id", s.ID, "error", err)
		}
	}

	s.send(NewDone(s.ID, total, ReasonCompleted))
	s.setState(StateListening, "")
}

// emitSegment speaks one segment: segment_start, the TTS event stream
// mapped to text/audio envelopes, audio_end, and the optional board.
func (s *Session) emitSegment(ctx context.Context, seg segment.Segment, index int) error {
	if s.isInterrupted() {
		return errTurnInterrupted
	}
	s.setState(StateSpeaking, "")
	s.send(NewSegmentStart(s.ID, seg.ID, index))

	events, err := s.providers.Synthesizer.SynthesizeStream(ctx, seg.Speech, s.isInterrupted)
	if err != nil {
		return err
	}
	defer events.Close()

	seq := 0
	lastSeq := -1
	finished := false
	for !finished {
		ev, err := events.Next()
		if errors.Is(err, iterator.Done) {
			// Wound down before finishing: the interrupt predicate fired.
			return errTurnInterrupted
		}
		if err != nil {
			return err
		}
		switch ev.Kind {
		case speech.SentenceStart:
			s.send(NewAITextDelta(s.ID, seg.ID, seq, ev.Text))
			seq++
		case speech.Audio:
			s.send(NewAudioChunk(s.ID, seg.ID, seq, ev.Data))
			lastSeq = seq
			seq++
			s.lastTTS.Store(time.Now().UnixNano())
		case speech.Finished:
			finished = true
		}
	}

	s.send(NewAudioEnd(s.ID, seg.ID, lastSeq))
	if seg.Board != "" {
		s.send(NewBoard(s.ID, seg.ID, seg.Board))
	}
	return nil
}

// expiredTurn plays the session-expired fallback so the client UX stays
// graceful, then returns to listening.
func (s *Session) expiredTurn(ctx context.Context) {
	seg := segment.Segment{ID: 0, Speech: expiredSpeech, Board: expiredBoard}
	if err := s.emitSegment(ctx, seg, 0); err != nil {
		s.log.Error("expired fallback emission", "conv_id", s.ID, "error", err)
	}
	s.send(NewDone(s.ID, 1, ReasonCompleted))
	s.setState(StateListening, "")
}

// loadHistory converts the rolled message log into LLM turns, skipping
// image records.
func (s *Session) loadHistory(ctx context.Context) []llm.Message {
	msgs, err := s.store.Messages(ctx, s.ID)
	if err != nil {
		s.log.Error("load message log", "conv_id", s.ID, "error", err)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == "image" {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// systemPrompt returns the cached rendered prompt, rendering and caching
// it on first use.
func (s *Session) systemPrompt(ctx context.Context, rec *SessionRecord) string {
	prompt, err := s.store.Prompt(ctx, s.ID)
	if err != nil {
		s.log.Error("load prompt cache", "conv_id", s.ID, "error", err)
	}
	if prompt != "" {
		return prompt
	}

	vars, err := s.store.Vars(ctx, s.ID)
	if err != nil {
		s.log.Error("load context vars", "conv_id", s.ID, "error", err)
		vars = map[string]string{}
	}
	if vars["question_context"] == "" {
		qc := prompts.QuestionContext{
			QuestionText:     vars["question_text"],
			QuestionImageURL: vars["context_image_url"],
			UserAnswer:       vars["user_answer"],
			CorrectAnswer:    vars["correct_answer"],
			Analysis:         vars["analysis"],
		}
		if built := qc.Build(); built != "" {
			vars["question_context"] = built
		}
	}

	prompt = prompts.Render(rec.Type, vars)
	if err := s.store.SetPrompt(ctx, s.ID, prompt); err != nil {
		s.log.Error("cache prompt", "conv_id", s.ID, "error", err)
	}
	return prompt
}

// Package speech defines the streaming capability contracts the
// conversation pipeline consumes: a stream transcriber (speech to text) and
// a stream synthesizer (text to speech). Providers adapt third-party APIs
// to these contracts; the pipeline never sees provider types.
package speech

import (
	"context"

	"google.golang.org/api/iterator"
)

// Result is one transcription observation. Non-final results are refining
// hypotheses of the utterance in progress.
type Result struct {
	Text    string
	IsFinal bool
}

// ResultStream is a stream of transcription results.
type ResultStream interface {
	// Next returns the next result. Returns iterator.Done when the stream
	// terminates: after a final result, on the provider's end signal, or
	// when the interrupt predicate fires.
	Next() (*Result, error)

	// Close releases the stream and its provider connection.
	Close() error
}

// StreamTranscriber transcribes a live audio stream. Frames are raw PCM
// (16-bit signed little-endian, 16 kHz mono) of arbitrary size; closing the
// channel ends the utterance. The interrupted predicate is polled between
// frames and between results; when it returns true the transcriber winds
// down without a final result.
type StreamTranscriber interface {
	TranscribeStream(ctx context.Context, frames <-chan []byte, interrupted func() bool) (ResultStream, error)
}

// EventKind discriminates synthesis events.
type EventKind int

const (
	// SentenceStart announces the text of the next run of audio.
	SentenceStart EventKind = iota
	// Audio carries one non-empty chunk of PCM (16-bit LE, 16 kHz mono).
	Audio
	// Finished is the terminal event of a successful stream.
	Finished
)

// Event is one synthesis stream event.
type Event struct {
	Kind EventKind

	// Text is set on SentenceStart events.
	Text string

	// Data is set on Audio events.
	Data []byte
}

// EventStream is a stream of synthesis events. A successful stream emits
// exactly one Finished event.
type EventStream interface {
	// Next returns the next event. Returns iterator.Done after Finished or
	// when the interrupt predicate fires.
	Next() (*Event, error)

	// Close releases the stream and its provider connection.
	Close() error
}

// Synthesizer synthesizes speech for one run of text. The interrupted
// predicate is polled between events; when it returns true the stream winds
// down early.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, text string, interrupted func() bool) (EventStream, error)
}

// never is the interrupt predicate used when the caller passes nil.
func never() bool { return false }

// staticStream wraps a pre-synthesized blob as a well-formed event stream:
// one SentenceStart carrying the full text, one Audio, then Finished.
type staticStream struct {
	events []*Event
	pos    int
}

// NewStaticStream returns an EventStream for an unframed audio blob. An
// empty blob yields SentenceStart followed by Finished.
func NewStaticStream(text string, audio []byte) EventStream {
	events := []*Event{{Kind: SentenceStart, Text: text}}
	if len(audio) > 0 {
		events = append(events, &Event{Kind: Audio, Data: audio})
	}
	events = append(events, &Event{Kind: Finished})
	return &staticStream{events: events}
}

func (s *staticStream) Next() (*Event, error) {
	if s.pos >= len(s.events) {
		return nil, iterator.Done
	}
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

func (s *staticStream) Close() error {
	s.pos = len(s.events)
	return nil
}

package speech

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"google.golang.org/api/iterator"

	"github.com/brightlamp-ai/brightlamp/pkg/volcspeech"
)

// VolcanoTranscriber adapts the Volcano streaming ASR API to the
// StreamTranscriber contract.
type VolcanoTranscriber struct {
	Client *volcspeech.Client

	// Config overrides the default session configuration (pcm s16le 16k
	// mono) when set.
	Config *volcspeech.ASRConfig
}

// TranscribeStream opens a recognition session and pumps frames into it
// until the channel closes or the predicate fires.
func (t *VolcanoTranscriber) TranscribeStream(ctx context.Context, frames <-chan []byte, interrupted func() bool) (ResultStream, error) {
	if interrupted == nil {
		interrupted = never
	}

	config := t.Config
	if config == nil {
		config = &volcspeech.ASRConfig{
			Format:     "pcm",
			SampleRate: 16000,
		}
	}

	stream, err := t.Client.ASR.OpenStream(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("speech: open asr stream: %w", err)
	}

	go pumpFrames(ctx, stream, frames, interrupted)

	next, stop := iter.Pull2(stream.Recv())
	return &volcanoResultStream{
		stream:      stream,
		next:        next,
		stop:        stop,
		interrupted: interrupted,
	}, nil
}

// pumpFrames feeds the session until the frame channel closes. The
// terminating empty chunk tells the provider the utterance is over.
func pumpFrames(ctx context.Context, stream *volcspeech.ASRStream, frames <-chan []byte, interrupted func() bool) {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if err := stream.SendAudio(ctx, nil, true); err != nil {
					slog.Debug("asr last frame send failed", "err", err)
				}
				return
			}
			if interrupted() {
				return
			}
			if err := stream.SendAudio(ctx, frame, false); err != nil {
				slog.Debug("asr frame send failed", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type volcanoResultStream struct {
	stream      *volcspeech.ASRStream
	next        func() (*volcspeech.ASRResult, error, bool)
	stop        func()
	interrupted func() bool
}

func (s *volcanoResultStream) Next() (*Result, error) {
	if s.interrupted() {
		return nil, iterator.Done
	}
	result, err, ok := s.next()
	if !ok {
		return nil, iterator.Done
	}
	if err != nil {
		return nil, fmt.Errorf("speech: asr: %w", err)
	}
	return &Result{Text: result.Text, IsFinal: result.IsFinal}, nil
}

func (s *volcanoResultStream) Close() error {
	s.stop()
	return s.stream.Close()
}

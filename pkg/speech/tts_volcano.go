package speech

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/api/iterator"

	"github.com/brightlamp-ai/brightlamp/pkg/pcm"
	"github.com/brightlamp-ai/brightlamp/pkg/volcspeech"
)

// DefaultSpeaker is the voice used when none is configured.
const DefaultSpeaker = "zh_female_tianmeixiaoyuan_moon_bigtts"

// VolcanoSynthesizer adapts the Volcano unidirectional streaming TTS API to
// the Synthesizer contract. The provider emits PCM at its native rate
// (24 kHz for big voices); audio is transcoded to 16 kHz before emission.
type VolcanoSynthesizer struct {
	Client *volcspeech.Client

	// Speaker is the provider voice type. Defaults to DefaultSpeaker.
	Speaker string

	// ProviderFormat is the PCM format the provider produces. Defaults to
	// pcm.L16Mono24K.
	ProviderFormat pcm.Format

	// SpeedRatio and VolumeRatio tune delivery. Zero means provider
	// default.
	SpeedRatio  float64
	VolumeRatio float64
}

func (t *VolcanoSynthesizer) speaker() string {
	if t.Speaker == "" {
		return DefaultSpeaker
	}
	return t.Speaker
}

func (t *VolcanoSynthesizer) providerFormat() pcm.Format {
	if t.ProviderFormat == 0 {
		return pcm.L16Mono24K
	}
	return t.ProviderFormat
}

// SynthesizeStream opens a synthesis stream for text.
func (t *VolcanoSynthesizer) SynthesizeStream(ctx context.Context, text string, interrupted func() bool) (EventStream, error) {
	if interrupted == nil {
		interrupted = never
	}

	providerFormat := t.providerFormat()
	transcoder, err := newTranscoder(providerFormat, pcm.L16Mono16K)
	if err != nil {
		return nil, err
	}

	stream, err := t.Client.TTS.Synthesize(ctx, &volcspeech.TTSRequest{
		Text:        text,
		Speaker:     t.speaker(),
		Format:      "pcm",
		SampleRate:  providerFormat.SampleRate(),
		SpeedRatio:  t.SpeedRatio,
		VolumeRatio: t.VolumeRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: open tts stream: %w", err)
	}

	next, stop := iter.Pull2(stream.Recv())
	return &volcanoEventStream{
		stream:      stream,
		next:        next,
		stop:        stop,
		transcoder:  transcoder,
		interrupted: interrupted,
	}, nil
}

type volcanoEventStream struct {
	stream      *volcspeech.TTSStream
	next        func() (*volcspeech.TTSEvent, error, bool)
	stop        func()
	transcoder  *transcoder
	interrupted func() bool
}

func (s *volcanoEventStream) Next() (*Event, error) {
	for {
		if s.interrupted() {
			return nil, iterator.Done
		}
		event, err, ok := s.next()
		if !ok {
			return nil, iterator.Done
		}
		if err != nil {
			return nil, fmt.Errorf("speech: tts: %w", err)
		}

		switch event.Kind {
		case volcspeech.TTSSentenceStart:
			return &Event{Kind: SentenceStart, Text: event.Text}, nil
		case volcspeech.TTSAudio:
			data, err := s.transcoder.process(event.Audio)
			if err != nil {
				return nil, err
			}
			if len(data) == 0 {
				continue
			}
			return &Event{Kind: Audio, Data: data}, nil
		case volcspeech.TTSFinished:
			return &Event{Kind: Finished}, nil
		default:
			// Sentence end frames carry no pipeline meaning.
			continue
		}
	}
}

func (s *volcanoEventStream) Close() error {
	s.stop()
	return s.stream.Close()
}

package speech

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/brightlamp-ai/brightlamp/pkg/pcm"
)

// transcoder converts raw 16-bit mono PCM between sample rates. A nil
// transcoder passes audio through unchanged.
type transcoder struct {
	resampler resampling.Resampler
}

// newTranscoder returns a transcoder from src to dst, or nil when the rates
// already match.
func newTranscoder(src, dst pcm.Format) (*transcoder, error) {
	if src.SampleRate() == dst.SampleRate() {
		return nil, nil
	}
	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.SampleRate()),
		OutputRate: float64(dst.SampleRate()),
		Channels:   dst.Channels(),
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("speech: create resampler: %w", err)
	}
	return &transcoder{resampler: resampler}, nil
}

// process resamples one chunk. The chunk boundary is not significant; the
// resampler carries filter state across calls.
func (t *transcoder) process(data []byte) ([]byte, error) {
	if t == nil {
		return data, nil
	}

	samples := pcm.DecodeSamples(data)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := t.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("speech: resample: %w", err)
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s > 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	return pcm.EncodeSamples(out), nil
}

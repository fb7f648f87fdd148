// Package vad implements energy-based voice activity detection with an
// adaptive noise floor, end-of-utterance silence tracking, and barge-in
// detection during assistant playback.
package vad

import (
	"math"
	"time"

	"github.com/brightlamp-ai/brightlamp/pkg/pcm"
)

// Detection thresholds and windows.
const (
	// PlaybackEchoWindow is how long after the last TTS chunk incoming
	// audio is treated as possible playback echo.
	PlaybackEchoWindow = 1200 * time.Millisecond

	// BargeInDB is the margin over the noise floor a frame must exceed
	// to count toward barge-in during the echo window.
	BargeInDB = 15.0

	// BargeInMin is the accumulated loud-frame time that raises barge-in.
	BargeInMin = 200 * time.Millisecond

	// SpeechDB is the margin over the noise floor that marks speech.
	SpeechDB = 10.0

	// EndSilence is the trailing silence that closes an utterance.
	EndSilence = 1500 * time.Millisecond
)

// Noise floor IIR coefficients. The floor attacks fast toward quiet
// frames and decays slowly on loud ones.
const (
	floorQuietCoeff = 0.98
	floorLoudCoeff  = 0.995
)

// silenceDB is the level assigned to an all-zero frame.
const silenceDB = -96.0

// Decision is the outcome of one frame.
type Decision struct {
	// Admit reports whether the frame should be fed to ASR.
	Admit bool

	// BargeIn reports that the user talked over playback long enough to
	// interrupt the assistant.
	BargeIn bool

	// EndOfUtterance reports that trailing silence closed the utterance.
	EndOfUtterance bool

	// Level is the frame RMS level in dBFS.
	Level float64
}

// Detector holds per-session VAD state. Not safe for concurrent use;
// the session's receive loop owns it.
type Detector struct {
	noiseFloor  float64
	floorSet    bool
	inSpeech    bool
	silence     time.Duration
	bargeStreak time.Duration
	deferredEnd bool
}

// NewDetector returns a detector with an unset noise floor; the first
// frame seeds it.
func NewDetector() *Detector {
	return &Detector{}
}

// Level computes the RMS level of a 16-bit LE PCM frame in dBFS.
func Level(frame []byte) float64 {
	samples := pcm.DecodeSamples(frame)
	if len(samples) == 0 {
		return silenceDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1 {
		return silenceDB
	}
	return 20 * math.Log10(rms/32768.0)
}

// Process classifies one frame. frameDur is the frame's audio duration
// and echoWindow reports whether the session is speaking or within
// PlaybackEchoWindow of the last TTS chunk.
func (d *Detector) Process(frame []byte, frameDur time.Duration, echoWindow bool) Decision {
	level := Level(frame)
	dec := Decision{Level: level}

	if d.deferredEnd {
		dec.EndOfUtterance = true
		d.deferredEnd = false
	}

	d.updateFloor(level)

	if echoWindow {
		if level > d.noiseFloor+BargeInDB {
			d.bargeStreak += frameDur
		} else {
			d.bargeStreak = 0
		}
		// Until barge-in is confirmed, every frame here is presumed
		// playback echo, so the trailing-silence clock keeps running.
		if d.inSpeech {
			d.silence += frameDur
			if d.silence >= EndSilence {
				dec.EndOfUtterance = true
				d.inSpeech = false
				d.silence = 0
			}
		}
		if d.bargeStreak >= BargeInMin {
			d.bargeStreak = 0
			dec.BargeIn = true
			dec.Admit = true
			d.inSpeech = true
			d.silence = 0
		}
		if dec.BargeIn && dec.EndOfUtterance {
			// Barge-in wins; defer end-of-utterance one frame.
			dec.EndOfUtterance = false
			d.deferredEnd = true
		}
		return dec
	}

	d.bargeStreak = 0
	dec.Admit = true

	if level > d.noiseFloor+SpeechDB {
		d.inSpeech = true
		d.silence = 0
		return dec
	}
	if d.inSpeech {
		d.silence += frameDur
		if d.silence >= EndSilence {
			dec.EndOfUtterance = true
			d.inSpeech = false
			d.silence = 0
		}
	}
	return dec
}

// Reset clears speech and barge-in tracking but keeps the learned noise
// floor, which stays valid across utterances.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.silence = 0
	d.bargeStreak = 0
	d.deferredEnd = false
}

// NoiseFloor returns the current adaptive floor in dBFS.
func (d *Detector) NoiseFloor() float64 {
	if !d.floorSet {
		return silenceDB
	}
	return d.noiseFloor
}

func (d *Detector) updateFloor(level float64) {
	if !d.floorSet {
		d.noiseFloor = level
		d.floorSet = true
		return
	}
	coeff := floorLoudCoeff
	if level < d.noiseFloor+SpeechDB {
		coeff = floorQuietCoeff
	}
	d.noiseFloor = coeff*d.noiseFloor + (1-coeff)*level
}

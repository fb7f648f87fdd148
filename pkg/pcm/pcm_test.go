package pcm

import (
	"testing"
	"time"
)

func TestFormat_Math(t *testing.T) {
	tests := []struct {
		format    Format
		rate      int
		bytesRate int
	}{
		{L16Mono16K, 16000, 32000},
		{L16Mono24K, 24000, 48000},
	}
	for _, tt := range tests {
		if got := tt.format.SampleRate(); got != tt.rate {
			t.Errorf("%v SampleRate = %d, want %d", tt.format, got, tt.rate)
		}
		if got := tt.format.BytesRate(); got != tt.bytesRate {
			t.Errorf("%v BytesRate = %d, want %d", tt.format, got, tt.bytesRate)
		}
		if got := tt.format.Channels(); got != 1 {
			t.Errorf("%v Channels = %d, want 1", tt.format, got)
		}
		if got := tt.format.Depth(); got != 16 {
			t.Errorf("%v Depth = %d, want 16", tt.format, got)
		}
	}
}

func TestFormat_Duration(t *testing.T) {
	// 100ms of 16k mono s16le is 3200 bytes.
	if got := L16Mono16K.BytesInDuration(100 * time.Millisecond); got != 3200 {
		t.Errorf("BytesInDuration(100ms) = %d, want 3200", got)
	}
	if got := L16Mono16K.Duration(3200); got != 100*time.Millisecond {
		t.Errorf("Duration(3200) = %v, want 100ms", got)
	}
	if got := L16Mono16K.Samples(3200); got != 1600 {
		t.Errorf("Samples(3200) = %d, want 1600", got)
	}
}

func TestSamples_RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1000, -1000}
	data := EncodeSamples(samples)
	if len(data) != len(samples)*2 {
		t.Fatalf("EncodeSamples len = %d, want %d", len(data), len(samples)*2)
	}
	back := DecodeSamples(data)
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, back[i], samples[i])
		}
	}
}

func TestDecodeSamples_OddTail(t *testing.T) {
	got := DecodeSamples([]byte{0x34, 0x12, 0xff})
	if len(got) != 1 || got[0] != 0x1234 {
		t.Errorf("DecodeSamples = %v, want [0x1234]", got)
	}
}

package conv

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/brightlamp-ai/brightlamp/pkg/jsontime"
)

// Client envelope types.
const (
	TypePing           = "ping"
	TypeClientHello    = "client_hello"
	TypeMicStart       = "mic_start"
	TypeUserAudioChunk = "user_audio_chunk"
	TypeMicEnd         = "mic_end"
	TypeImage          = "image"
	TypeInterrupt      = "interrupt"
)

// Server envelope types.
const (
	TypePong         = "pong"
	TypeState        = "state"
	TypeASRPartial   = "asr_partial"
	TypeASRFinal     = "asr_final"
	TypeSegmentStart = "segment_start"
	TypeAITextDelta  = "ai_text_delta"
	TypeAudioChunk   = "audio_chunk"
	TypeAudioEnd     = "audio_end"
	TypeBoard        = "board"
	TypeDone         = "done"
	TypeError        = "error"
)

// Session states as announced to the client.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Turn completion reasons.
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
)

// Error envelope codes.
const (
	CodeMalformed         = 1001
	CodeInternal          = 5000
	CodeProviderTransient = 5001
)

// Envelope decode errors.
var (
	ErrMalformed    = errors.New("conv: malformed envelope")
	ErrUnknownType  = errors.New("conv: unknown envelope type")
	ErrConvMismatch = errors.New("conv: conversation id mismatch")
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ConvID  string          `json:"conv_id"`
	MsgID   string          `json:"msg_id"`
	TsMs    jsontime.Milli  `json:"ts_ms"`
	Payload json.RawMessage `json:"payload"`
}

func newEnvelope(typ, convID string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Server payloads are plain structs; this cannot fail at runtime.
		panic(fmt.Sprintf("conv: marshal %s payload: %v", typ, err))
	}
	return &Envelope{
		Type:    typ,
		ConvID:  convID,
		MsgID:   uuid.NewString(),
		TsMs:    jsontime.NowEpochMilli(),
		Payload: raw,
	}
}

// Client payloads.

// AudioSpec describes the client's microphone capture format.
type AudioSpec struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
	FrameMs       int    `json:"frame_ms"`
}

type HelloPayload struct {
	Audio AudioSpec `json:"audio"`
}

type MicStartPayload struct {
	StreamID string `json:"stream_id"`
}

type AudioChunkPayload struct {
	StreamID string `json:"stream_id"`
	Seq      int64  `json:"seq"`
	DataB64  string `json:"data_b64"`
	VADHint  string `json:"vad_hint,omitempty"`
}

// Data decodes the base64 PCM frame.
func (p *AudioChunkPayload) Data() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(p.DataB64)
	if err != nil {
		return nil, fmt.Errorf("conv: audio chunk data: %w", err)
	}
	return data, nil
}

type MicEndPayload struct {
	StreamID string `json:"stream_id"`
	LastSeq  int64  `json:"last_seq"`
}

type ImagePayload struct {
	ImageURL string `json:"image_url"`
}

// ClientEnvelope is a decoded client message. Exactly one payload field
// matching Type is set; ping and interrupt carry none.
type ClientEnvelope struct {
	Envelope

	Hello      *HelloPayload
	MicStart   *MicStartPayload
	AudioChunk *AudioChunkPayload
	MicEnd     *MicEndPayload
	Image      *ImagePayload
}

// DecodeClient parses and validates a raw client envelope for the given
// conversation. Unknown types and mismatched conv_id are rejected.
func DecodeClient(data []byte, convID string) (*ClientEnvelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if env.ConvID != convID {
		return nil, ErrConvMismatch
	}

	ce := &ClientEnvelope{Envelope: env}
	var err error
	switch env.Type {
	case TypePing, TypeInterrupt:
		// No payload.
	case TypeClientHello:
		ce.Hello = &HelloPayload{}
		err = json.Unmarshal(env.Payload, ce.Hello)
	case TypeMicStart:
		ce.MicStart = &MicStartPayload{}
		err = json.Unmarshal(env.Payload, ce.MicStart)
	case TypeUserAudioChunk:
		ce.AudioChunk = &AudioChunkPayload{}
		err = json.Unmarshal(env.Payload, ce.AudioChunk)
	case TypeMicEnd:
		ce.MicEnd = &MicEndPayload{}
		err = json.Unmarshal(env.Payload, ce.MicEnd)
	case TypeImage:
		ce.Image = &ImagePayload{}
		err = json.Unmarshal(env.Payload, ce.Image)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return ce, nil
}

// Server payloads and constructors.

type StatePayload struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type ASRPartialPayload struct {
	StreamID  string  `json:"stream_id"`
	Text      string  `json:"text"`
	Stability float64 `json:"stability,omitempty"`
}

type ASRFinalPayload struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
}

type SegmentStartPayload struct {
	SegmentID int `json:"segment_id"`
	Index     int `json:"index"`
}

type AITextDeltaPayload struct {
	SegmentID int    `json:"segment_id"`
	Seq       int    `json:"seq"`
	Delta     string `json:"delta"`
}

type AudioChunkOutPayload struct {
	SegmentID     int    `json:"segment_id"`
	Seq           int    `json:"seq"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	BitsPerSample int    `json:"bits_per_sample"`
	DataB64       string `json:"data_b64"`
}

type AudioEndPayload struct {
	SegmentID int `json:"segment_id"`
	LastSeq   int `json:"last_seq"`
}

type BoardPayload struct {
	SegmentID int    `json:"segment_id"`
	Format    string `json:"format"`
	Content   string `json:"content"`
}

type DonePayload struct {
	TotalSegments int    `json:"total_segments"`
	Reason        string `json:"reason"`
}

type ErrorPayload struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func NewPong(convID string) *Envelope {
	return newEnvelope(TypePong, convID, struct{}{})
}

func NewState(convID string, state State, detail string) *Envelope {
	return newEnvelope(TypeState, convID, StatePayload{State: state, Detail: detail})
}

func NewASRPartial(convID, streamID, text string) *Envelope {
	return newEnvelope(TypeASRPartial, convID, ASRPartialPayload{StreamID: streamID, Text: text})
}

func NewASRFinal(convID, streamID, text string) *Envelope {
	return newEnvelope(TypeASRFinal, convID, ASRFinalPayload{StreamID: streamID, Text: text})
}

func NewSegmentStart(convID string, segmentID, index int) *Envelope {
	return newEnvelope(TypeSegmentStart, convID, SegmentStartPayload{SegmentID: segmentID, Index: index})
}

func NewAITextDelta(convID string, segmentID, seq int, delta string) *Envelope {
	return newEnvelope(TypeAITextDelta, convID, AITextDeltaPayload{SegmentID: segmentID, Seq: seq, Delta: delta})
}

func NewAudioChunk(convID string, segmentID, seq int, data []byte) *Envelope {
	return newEnvelope(TypeAudioChunk, convID, AudioChunkOutPayload{
		SegmentID:     segmentID,
		Seq:           seq,
		Format:        "pcm_s16le",
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
		DataB64:       base64.StdEncoding.EncodeToString(data),
	})
}

func NewAudioEnd(convID string, segmentID, lastSeq int) *Envelope {
	return newEnvelope(TypeAudioEnd, convID, AudioEndPayload{SegmentID: segmentID, LastSeq: lastSeq})
}

func NewBoard(convID string, segmentID int, content string) *Envelope {
	return newEnvelope(TypeBoard, convID, BoardPayload{SegmentID: segmentID, Format: "md", Content: content})
}

func NewDone(convID string, totalSegments int, reason string) *Envelope {
	return newEnvelope(TypeDone, convID, DonePayload{TotalSegments: totalSegments, Reason: reason})
}

func NewError(convID string, code int, message string, retryable bool) *Envelope {
	return newEnvelope(TypeError, convID, ErrorPayload{Code: code, Message: message, Retryable: retryable})
}

package volcspeech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TTSService provides streaming speech synthesis over the unidirectional
// endpoint (WSS /api/v3/tts/unidirectional/stream).
type TTSService struct {
	client *Client
}

// TTSRequest configures one synthesis stream.
type TTSRequest struct {
	// Text to synthesize. Required.
	Text string

	// Speaker voice type, e.g. zh_female_tianmeixiaoyuan_moon_bigtts.
	// Required.
	Speaker string

	// Format of the produced audio: "pcm", "mp3", "ogg_opus".
	// Default "pcm".
	Format string

	// SampleRate in Hz. Default 24000.
	SampleRate int

	// SpeedRatio controls speech speed (0.8-2.0). Zero means default.
	SpeedRatio float64

	// VolumeRatio controls volume (0.8-2.0). Zero means default.
	VolumeRatio float64

	// ResourceID overrides the resource inferred from the speaker.
	ResourceID string
}

// TTSEventKind discriminates synthesis stream events.
type TTSEventKind int

const (
	// TTSSentenceStart announces the text of the next run of audio.
	TTSSentenceStart TTSEventKind = iota
	// TTSSentenceEnd closes the current sentence.
	TTSSentenceEnd
	// TTSAudio carries one chunk of synthesized audio.
	TTSAudio
	// TTSFinished is the terminal event of a successful stream.
	TTSFinished
)

// TTSEvent is one event of a synthesis stream.
type TTSEvent struct {
	Kind TTSEventKind

	// Text is set on sentence start events.
	Text string

	// Audio is set on audio events.
	Audio []byte
}

// TTSStream is an open synthesis stream.
type TTSStream struct {
	conn   *websocket.Conn
	client *Client

	recvChan  chan *TTSEvent
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
}

// resourceForSpeaker picks the resource ID matching the speaker family.
// Cloned voices (S_ prefix) live under a different resource.
func resourceForSpeaker(speaker string) string {
	if strings.HasPrefix(speaker, "S_") {
		return ResourceTTSClone
	}
	return ResourceTTSDefault
}

// Synthesize opens a synthesis stream for the given request. Events arrive
// on Recv until TTSFinished or an error.
func (s *TTSService) Synthesize(ctx context.Context, req *TTSRequest) (*TTSStream, error) {
	resourceID := req.ResourceID
	if resourceID == "" {
		resourceID = resourceForSpeaker(req.Speaker)
	}

	endpoint := s.client.config.wsURL + "/api/v3/tts/unidirectional/stream"
	headers := s.client.wsHeaders(resourceID, "", uuid.NewString())

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("volcspeech: tts connect: %w, status=%s, body=%s", err, resp.Status, body)
		}
		return nil, fmt.Errorf("volcspeech: tts connect: %w", err)
	}

	stream := &TTSStream{
		conn:      conn,
		client:    s.client,
		recvChan:  make(chan *TTSEvent, 100),
		errChan:   make(chan error, 1),
		closeChan: make(chan struct{}),
	}

	if err := stream.sendRequest(req); err != nil {
		stream.Close()
		return nil, fmt.Errorf("volcspeech: tts request: %w", err)
	}

	go stream.receiveLoop()

	return stream, nil
}

func (s *TTSStream) sendRequest(req *TTSRequest) error {
	format := req.Format
	if format == "" {
		format = "pcm"
	}
	rate := req.SampleRate
	if rate == 0 {
		rate = 24000
	}

	additions, _ := json.Marshal(map[string]any{
		"disable_markdown_filter": false,
	})

	reqParams := map[string]any{
		"speaker": req.Speaker,
		"audio_params": map[string]any{
			"format":           format,
			"sample_rate":      rate,
			"enable_timestamp": false,
		},
		"text":      req.Text,
		"additions": string(additions),
	}
	if req.SpeedRatio > 0 {
		reqParams["speed_ratio"] = req.SpeedRatio
	}
	if req.VolumeRatio > 0 {
		reqParams["volume_ratio"] = req.VolumeRatio
	}

	body := map[string]any{
		"user": map[string]any{
			"uid": s.client.config.userID,
		},
		"req_params": reqParams,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := &message{
		msgType: msgTypeFullClient,
		flags:   msgFlagNoSeq,
		payload: payload,
	}
	frame, err := msg.marshal(serializationJSON, false)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Recv returns an iterator over synthesis events. The iterator ends after
// TTSFinished, on error, or when the stream is closed.
func (s *TTSStream) Recv() iter.Seq2[*TTSEvent, error] {
	return func(yield func(*TTSEvent, error) bool) {
		for {
			select {
			case event, ok := <-s.recvChan:
				if !ok {
					return
				}
				if !yield(event, nil) {
					return
				}
				if event.Kind == TTSFinished {
					return
				}
			case err := <-s.errChan:
				yield(nil, err)
				return
			case <-s.closeChan:
				return
			}
		}
	}
}

// Close closes the stream. Safe to call multiple times.
func (s *TTSStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
	return nil
}

func (s *TTSStream) receiveLoop() {
	defer close(s.recvChan)

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.client.config.recvTimeout))
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case s.errChan <- fmt.Errorf("volcspeech: tts read: %w", err):
				default:
				}
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msg, err := unmarshalMessage(data)
		if err != nil {
			select {
			case s.errChan <- fmt.Errorf("volcspeech: tts frame: %w", err):
			default:
			}
			return
		}

		switch msg.msgType {
		case msgTypeFullServer:
			switch msg.event {
			case eventTTSSentenceStart:
				event := &TTSEvent{Kind: TTSSentenceStart, Text: sentenceText(msg.payload)}
				if !s.deliver(event) {
					return
				}
			case eventTTSSentenceEnd:
				if !s.deliver(&TTSEvent{Kind: TTSSentenceEnd}) {
					return
				}
			case eventSessionFinished:
				s.deliver(&TTSEvent{Kind: TTSFinished})
				return
			case eventSessionFailed:
				select {
				case s.errChan <- &Error{Message: string(msg.payload)}:
				default:
				}
				return
			}

		case msgTypeAudioOnlyServer:
			if len(msg.payload) == 0 {
				continue
			}
			if !s.deliver(&TTSEvent{Kind: TTSAudio, Audio: msg.payload}) {
				return
			}

		case msgTypeError:
			select {
			case s.errChan <- &Error{Code: int(msg.errorCode), Message: string(msg.payload)}:
			default:
			}
			return
		}
	}
}

func (s *TTSStream) deliver(event *TTSEvent) bool {
	select {
	case s.recvChan <- event:
		return true
	case <-s.closeChan:
		return false
	}
}

// sentenceText extracts the sentence text from a sentence start payload.
func sentenceText(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Text
}

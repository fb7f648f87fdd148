package volcspeech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ASRService provides streaming speech recognition over the SAUC bigmodel
// endpoint (WSS /api/v3/sauc/bigmodel).
type ASRService struct {
	client *Client
}

// ASRConfig configures a streaming recognition session.
type ASRConfig struct {
	// Format is the audio container: "pcm", "wav", "ogg". Default "pcm".
	Format string

	// SampleRate in Hz. Default 16000.
	SampleRate int

	// Bits per sample. Default 16.
	Bits int

	// Channels. Default 1.
	Channels int

	// ResourceID overrides the default streaming ASR resource.
	ResourceID string
}

// ASRResult is one recognition observation. Non-final results are refining
// hypotheses for the same utterance.
type ASRResult struct {
	Text    string
	IsFinal bool
}

// ASRStream is an open streaming recognition session. Audio goes in via
// SendAudio; observations come out of Recv. The stream terminates after the
// final result or an error.
type ASRStream struct {
	conn   *websocket.Conn
	client *Client
	reqID  string

	sequence int32
	sendMu   sync.Mutex

	recvChan  chan *ASRResult
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
}

// OpenStream dials the streaming ASR endpoint, sends the session
// configuration, and starts receiving.
func (s *ASRService) OpenStream(ctx context.Context, config *ASRConfig) (*ASRStream, error) {
	if config == nil {
		config = &ASRConfig{}
	}
	resourceID := config.ResourceID
	if resourceID == "" {
		resourceID = ResourceASRStream
	}

	endpoint := s.client.config.wsURL + "/api/v3/sauc/bigmodel"
	reqID := uuid.NewString()
	headers := s.client.wsHeaders(resourceID, reqID, "")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("volcspeech: asr connect: %w, status=%s, body=%s", err, resp.Status, body)
		}
		return nil, fmt.Errorf("volcspeech: asr connect: %w", err)
	}

	stream := &ASRStream{
		conn:      conn,
		client:    s.client,
		reqID:     reqID,
		sequence:  1,
		recvChan:  make(chan *ASRResult, 100),
		errChan:   make(chan error, 1),
		closeChan: make(chan struct{}),
	}

	if err := stream.sendFullClientRequest(config); err != nil {
		stream.Close()
		return nil, fmt.Errorf("volcspeech: asr session start: %w", err)
	}

	// The first server frame acknowledges the session or reports a
	// configuration error.
	if err := stream.readInitialResponse(); err != nil {
		stream.Close()
		return nil, err
	}

	go stream.receiveLoop()

	return stream, nil
}

func (s *ASRStream) sendFullClientRequest(config *ASRConfig) error {
	format := config.Format
	if format == "" {
		format = "pcm"
	}
	rate := config.SampleRate
	if rate == 0 {
		rate = 16000
	}
	bits := config.Bits
	if bits == 0 {
		bits = 16
	}
	channels := config.Channels
	if channels == 0 {
		channels = 1
	}

	req := map[string]any{
		"user": map[string]any{
			"uid": s.client.config.userID,
		},
		"audio": map[string]any{
			"format":  format,
			"codec":   "raw",
			"rate":    rate,
			"bits":    bits,
			"channel": channels,
		},
		"request": map[string]any{
			"model_name":       "bigmodel",
			"enable_itn":       true,
			"enable_punc":      true,
			"enable_ddc":       true,
			"show_utterances":  true,
			"enable_nonstream": false,
		},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	msg := &message{
		msgType:  msgTypeFullClient,
		flags:    msgFlagPosSeq,
		sequence: s.sequence,
		payload:  payload,
	}
	frame, err := msg.marshal(serializationJSON, true)
	if err != nil {
		return err
	}
	s.sequence++
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *ASRStream) readInitialResponse() error {
	s.conn.SetReadDeadline(time.Now().Add(s.client.config.recvTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("volcspeech: asr initial response: %w", err)
	}
	msg, err := unmarshalMessage(data)
	if err != nil {
		return fmt.Errorf("volcspeech: asr initial response: %w", err)
	}
	if msg.msgType == msgTypeError {
		return &Error{Code: int(msg.errorCode), Message: string(msg.payload)}
	}
	return nil
}

// SendAudio sends one chunk of raw audio. If last is true the chunk closes
// the audio stream; an empty chunk with last=true is valid.
func (s *ASRStream) SendAudio(_ context.Context, audio []byte, last bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.sequence
	s.sequence++

	msg := &message{
		msgType:  msgTypeAudioOnlyClient,
		flags:    msgFlagPosSeq,
		sequence: seq,
		payload:  audio,
	}
	if last {
		msg.flags = msgFlagNegWithSeq
		msg.sequence = -seq
	}

	frame, err := msg.marshal(serializationRaw, true)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Recv returns an iterator over recognition results. The iterator ends
// after the final result, on error, or when the stream is closed.
func (s *ASRStream) Recv() iter.Seq2[*ASRResult, error] {
	return func(yield func(*ASRResult, error) bool) {
		for {
			select {
			case result, ok := <-s.recvChan:
				if !ok {
					return
				}
				if !yield(result, nil) {
					return
				}
				if result.IsFinal {
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

// Close closes the session. Safe to call multiple times.
func (s *ASRStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		s.conn.Close()
	})
	return nil
}

func (s *ASRStream) receiveLoop() {
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
				case s.errChan <- fmt.Errorf("volcspeech: asr read: %w", err):
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
			case s.errChan <- fmt.Errorf("volcspeech: asr frame: %w", err):
			default:
			}
			return
		}

		switch msg.msgType {
		case msgTypeFullServer:
			result, ok := parseASRPayload(msg)
			if !ok {
				continue
			}
			select {
			case s.recvChan <- result:
			case <-s.closeChan:
				return
			}
			if result.IsFinal {
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

func parseASRPayload(msg *message) (*ASRResult, bool) {
	if len(msg.payload) == 0 {
		return nil, false
	}
	var resp struct {
		Result struct {
			Text       string `json:"text"`
			IsFinal    bool   `json:"is_final"`
			Utterances []struct {
				Text     string `json:"text"`
				Definite bool   `json:"definite"`
			} `json:"utterances"`
		} `json:"result"`
	}
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		return nil, false
	}

	isFinal := resp.Result.IsFinal || msg.isLast()
	for _, u := range resp.Result.Utterances {
		if u.Definite {
			isFinal = true
		}
	}
	return &ASRResult{Text: resp.Result.Text, IsFinal: isFinal}, true
}

package volcspeech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

type messageType byte
type messageFlags byte
type serializationType byte
type compressionType byte

const (
	protocolVersion byte = 0b0001

	// Message types
	msgTypeFullClient      messageType = 0b0001
	msgTypeAudioOnlyClient messageType = 0b0010
	msgTypeFullServer      messageType = 0b1001
	msgTypeAudioOnlyServer messageType = 0b1011
	msgTypeError           messageType = 0b1111

	// Message type specific flags
	msgFlagNoSeq      messageFlags = 0b0000
	msgFlagPosSeq     messageFlags = 0b0001
	msgFlagLastNoSeq  messageFlags = 0b0010
	msgFlagNegWithSeq messageFlags = 0b0011
	msgFlagWithEvent  messageFlags = 0b0100

	// Serialization types
	serializationRaw  serializationType = 0b0000
	serializationJSON serializationType = 0b0001

	// Compression types
	compressionNone compressionType = 0b0000
	compressionGzip compressionType = 0b0001
)

// Protocol event codes carried by FullServerResponse frames.
const (
	eventConnectionStarted  int32 = 50
	eventConnectionFailed   int32 = 51
	eventConnectionFinished int32 = 52
	eventSessionStarted     int32 = 150
	eventSessionCanceled    int32 = 151
	eventSessionFinished    int32 = 152
	eventSessionFailed      int32 = 153
	eventTTSSentenceStart   int32 = 350
	eventTTSSentenceEnd     int32 = 351
	eventTTSResponse        int32 = 352
)

// message is one frame of the Volcano binary websocket protocol.
//
// Frame layout:
//   - Header (4 bytes):
//     (4b) version + (4b) header size in 4-byte units
//     (4b) message type + (4b) flags
//     (4b) serialization + (4b) compression
//     (8b) reserved
//   - [flags&0b0001 or flags==0b0011] sequence (i32 big-endian)
//   - [type==Error] error code (u32 big-endian)
//   - [flags&0b0100] event (i32) + session/connect id (u32 len + data)
//   - payload size (u32 big-endian) + payload
type message struct {
	msgType   messageType
	flags     messageFlags
	event     int32
	sessionID string
	connectID string
	sequence  int32
	errorCode uint32
	payload   []byte
}

func (m *message) hasSequence() bool {
	return m.flags == msgFlagPosSeq || m.flags == msgFlagNegWithSeq
}

// isLast reports whether the server marked this frame as the final package.
func (m *message) isLast() bool {
	return m.flags&msgFlagLastNoSeq != 0
}

func (m *message) isConnectionEvent() bool {
	switch m.event {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

// marshal serializes a client frame. The payload is gzip-compressed when
// compress is set, and the header advertises the given serialization.
func (m *message) marshal(serialization serializationType, compress bool) ([]byte, error) {
	buf := new(bytes.Buffer)

	compression := compressionNone
	if compress {
		compression = compressionGzip
	}

	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(byte(m.msgType)<<4 | byte(m.flags))
	buf.WriteByte(byte(serialization)<<4 | byte(compression))
	buf.WriteByte(0x00)

	if m.flags&msgFlagWithEvent != 0 {
		if err := binary.Write(buf, binary.BigEndian, m.event); err != nil {
			return nil, fmt.Errorf("write event: %w", err)
		}
		if !m.isConnectionEvent() {
			if err := binary.Write(buf, binary.BigEndian, uint32(len(m.sessionID))); err != nil {
				return nil, fmt.Errorf("write session id length: %w", err)
			}
			buf.WriteString(m.sessionID)
		}
	}

	if m.hasSequence() {
		if err := binary.Write(buf, binary.BigEndian, m.sequence); err != nil {
			return nil, fmt.Errorf("write sequence: %w", err)
		}
	}

	payload := m.payload
	if compress && len(payload) > 0 {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		payload = compressed
	}

	if err := binary.Write(buf, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, fmt.Errorf("write payload size: %w", err)
	}
	buf.Write(payload)

	return buf.Bytes(), nil
}

// unmarshalMessage parses a server frame.
func unmarshalMessage(data []byte) (*message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	buf := bytes.NewBuffer(data)

	versionAndSize, _ := buf.ReadByte()
	typeAndFlags, _ := buf.ReadByte()
	serAndComp, _ := buf.ReadByte()
	_, _ = buf.ReadByte() // reserved

	msg := &message{
		msgType: messageType(typeAndFlags >> 4),
		flags:   messageFlags(typeAndFlags & 0x0f),
	}

	compression := compressionType(serAndComp & 0x0f)

	// Skip any extended header bytes.
	headerSize := int(versionAndSize & 0x0f)
	if headerSize > 1 {
		buf.Next((headerSize - 1) * 4)
	}

	if msg.flags&msgFlagPosSeq != 0 {
		if err := binary.Read(buf, binary.BigEndian, &msg.sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}

	if msg.msgType == msgTypeError {
		if err := binary.Read(buf, binary.BigEndian, &msg.errorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	if msg.flags&msgFlagWithEvent != 0 {
		if err := binary.Read(buf, binary.BigEndian, &msg.event); err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		if msg.isConnectionEvent() {
			id, err := readSizedString(buf)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			msg.connectID = id
		} else {
			id, err := readSizedString(buf)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			msg.sessionID = id
		}
	}

	var payloadSize uint32
	if err := binary.Read(buf, binary.BigEndian, &payloadSize); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}

	if payloadSize > 0 {
		if int(payloadSize) > buf.Len() {
			return nil, fmt.Errorf("payload size %d exceeds frame", payloadSize)
		}
		msg.payload = make([]byte, payloadSize)
		if _, err := io.ReadFull(buf, msg.payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		if compression == compressionGzip {
			decompressed, err := gzipDecompress(msg.payload)
			if err != nil {
				return nil, fmt.Errorf("gzip decompress: %w", err)
			}
			msg.payload = decompressed
		}
	}

	return msg, nil
}

func readSizedString(buf *bytes.Buffer) (string, error) {
	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	if int(size) > buf.Len() {
		return "", fmt.Errorf("string size %d exceeds frame", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

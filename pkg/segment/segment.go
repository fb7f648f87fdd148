// Package segment incrementally parses assistant output in the
// [S]speech[/S][B]board[/B] framing into ordered speech/board segments.
package segment

import "strings"

// Tag markers in the assistant output stream.
const (
	speechOpen  = "[S]"
	speechClose = "[/S]"
	boardOpen   = "[B]"
	boardClose  = "[/B]"
)

// Segment is one parsed assistant emission unit. Speech is always
// non-empty; Board may be empty when the segment carries no markup.
type Segment struct {
	ID     int
	Speech string
	Board  string
}

type mode int

const (
	outside mode = iota
	inSpeech
	pendingSpeech
	inBoard
)

// Parser consumes an unbounded text stream and emits complete segments.
// Bytes between segments are discarded as framing.
type Parser struct {
	buf    strings.Builder
	mode   mode
	speech string
	nextID int
}

// NewParser returns a fresh parser with the segment counter at zero.
func NewParser() *Parser {
	return &Parser{}
}

// Reset discards all buffered state and restarts the segment counter.
func (p *Parser) Reset() {
	p.buf.Reset()
	p.mode = outside
	p.speech = ""
	p.nextID = 0
}

// Feed appends a chunk of streamed text and returns any segments that
// became complete. The returned slice may be empty.
func (p *Parser) Feed(chunk string) []Segment {
	p.buf.WriteString(chunk)
	buf := p.buf.String()

	var out []Segment
	for {
		switch p.mode {
		case outside:
			i := strings.Index(buf, speechOpen)
			if i < 0 {
				// Keep a possible split tag prefix, drop the rest.
				buf = tagTail(buf)
				p.setBuffer(buf)
				return out
			}
			buf = buf[i+len(speechOpen):]
			p.mode = inSpeech

		case inSpeech:
			i := strings.Index(buf, speechClose)
			if i < 0 {
				p.setBuffer(buf)
				return out
			}
			p.speech = strings.TrimSpace(buf[:i])
			buf = buf[i+len(speechClose):]
			p.mode = pendingSpeech

		case pendingSpeech:
			trimmed := strings.TrimLeft(buf, " \t\r\n")
			switch {
			case strings.HasPrefix(trimmed, boardOpen):
				buf = trimmed[len(boardOpen):]
				p.mode = inBoard
			case strings.Contains(buf, speechOpen):
				// Board absent for this segment.
				out = append(out, p.emit(""))
				p.mode = outside
			default:
				// Not yet decidable, wait for more input.
				p.setBuffer(buf)
				return out
			}

		case inBoard:
			i := strings.Index(buf, boardClose)
			if i < 0 {
				p.setBuffer(buf)
				return out
			}
			out = append(out, p.emit(strings.TrimSpace(buf[:i])))
			buf = buf[i+len(boardClose):]
			p.mode = outside
		}
	}
}

// Finalize flushes the residual state at end of stream. A pending speech
// becomes a board-less segment; an unclosed board emits with whatever
// markup arrived. A partial speech with no closing tag is discarded.
// The parser is reset afterward.
func (p *Parser) Finalize() *Segment {
	buf := p.buf.String()
	var seg *Segment

	switch p.mode {
	case pendingSpeech:
		s := p.emit("")
		seg = &s
	case inBoard:
		s := p.emit(strings.TrimSpace(buf))
		seg = &s
	}

	p.Reset()
	return seg
}

func (p *Parser) emit(board string) Segment {
	s := Segment{ID: p.nextID, Speech: p.speech, Board: board}
	p.nextID++
	p.speech = ""
	return s
}

func (p *Parser) setBuffer(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

// tagTail keeps the longest suffix of s that is a proper prefix of the
// speech open tag, so a tag split across chunks is not lost.
func tagTail(s string) string {
	for n := len(speechOpen) - 1; n > 0; n-- {
		if len(s) >= n && strings.HasPrefix(speechOpen, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}

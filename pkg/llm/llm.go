// Package llm defines the streaming language-model contract the tutoring
// pipeline consumes, plus the Ark (Doubao) provider implementation.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation turn.
type Request struct {
	// SystemPrompt is the fully rendered system prompt.
	SystemPrompt string

	// History is the prior message log (user/assistant roles only).
	// Providers may trim it for prompt length control.
	History []Message

	// UserTurn is the current user message.
	UserTurn string

	// ResumeCursor, when set, asks the provider to continue from a prior
	// server-side response instead of replaying full context.
	ResumeCursor string

	// Interrupted is polled between chunks; when it returns true the
	// stream winds down without a final chunk. May be nil.
	Interrupted func() bool
}

// Chunk is one streamed piece of a response. Exactly one terminal chunk
// (Final=true) closes a successful stream; it carries the new resume
// cursor and an empty delta.
type Chunk struct {
	Delta  string
	Final  bool
	Cursor string
}

// Stream is a lazy sequence of response chunks.
type Stream interface {
	// Next returns the next chunk. Returns iterator.Done after the final
	// chunk or when the interrupt predicate fires.
	Next() (*Chunk, error)

	// Close releases the stream.
	Close() error
}

// Streamer generates streaming responses.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Completer generates one-shot completions, used for small auxiliary calls
// like topic summarization.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Package archive persists finished conversation transcripts as JSON
// rollup records, either to an S3-compatible object store or a local
// directory.
package archive

import (
	"context"
	"time"
)

// Message is one entry of an archived conversation log.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Kind    string    `json:"kind,omitempty"`
	At      time.Time `json:"at"`
}

// Transcript is the durable rollup of one finished conversation.
type Transcript struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Topic          string    `json:"topic,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	Messages       []Message `json:"messages"`
}

// Archiver stores transcripts. Implementations must be safe for
// concurrent use.
type Archiver interface {
	Save(ctx context.Context, t *Transcript) error
}

// key builds the object key for a transcript, grouped by end date.
func key(t *Transcript) string {
	return "transcripts/" + t.EndedAt.UTC().Format("2006-01-02") + "/" + t.ConversationID + ".json"
}

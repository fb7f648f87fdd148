package conv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/brightlamp-ai/brightlamp/pkg/archive"
	"github.com/brightlamp-ai/brightlamp/pkg/kv"
	"github.com/brightlamp-ai/brightlamp/pkg/llm"
)

// Session status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Store TTL defaults.
const (
	DefaultSessionTTL   = 2 * time.Hour
	DefaultInterruptTTL = 10 * time.Second
)

// topicPrompt drives the tiny summarization call on finalize.
const topicPrompt = "你是一个对话摘要助手，请用10字以内概括对话主题。只输出主题短语，不要标点，不要解释。"

// topicHistoryLimit caps the messages fed to the summarizer.
const topicHistoryLimit = 20

// SessionRecord is the shared-store metadata for one conversation.
type SessionRecord struct {
	UserID             string    `msgpack:"user_id"`
	Type               string    `msgpack:"type"`
	Status             string    `msgpack:"status"`
	State              string    `msgpack:"state,omitempty"`
	StartedAt          time.Time `msgpack:"started_at"`
	LastActiveAt       time.Time `msgpack:"last_active_at"`
	InitialUserMessage string    `msgpack:"initial_user_message,omitempty"`
	Connected          bool      `msgpack:"connected"`
}

// MessageRecord is one entry of the rolled conversation log.
type MessageRecord struct {
	Role    string    `msgpack:"role"`
	Content string    `msgpack:"content"`
	Kind    string    `msgpack:"kind,omitempty"`
	At      time.Time `msgpack:"at"`
}

// Store holds all shared-keyed-store state for conversations. It is the
// cross-connection source of truth; per-session in-memory state is
// rebuilt on every fresh connection.
type Store struct {
	KV kv.Store

	// TTL applies to every conversation key. Zero means DefaultSessionTTL.
	TTL time.Duration

	// InterruptTTL bounds the shared interrupt flag. Zero means
	// DefaultInterruptTTL.
	InterruptTTL time.Duration
}

func (s *Store) ttl() time.Duration {
	if s.TTL == 0 {
		return DefaultSessionTTL
	}
	return s.TTL
}

func (s *Store) interruptTTL() time.Duration {
	if s.InterruptTTL == 0 {
		return DefaultInterruptTTL
	}
	return s.InterruptTTL
}

func sessionKey(id string) kv.Key   { return kv.Key{"conv", "session", id} }
func messagesKey(id string) kv.Key  { return kv.Key{"conv", "messages", id} }
func varsKey(id string) kv.Key      { return kv.Key{"conv", "vars", id} }
func promptKey(id string) kv.Key    { return kv.Key{"conv", "prompt", id} }
func interruptKey(id string) kv.Key { return kv.Key{"conv", "interrupt", id} }
func cursorKey(id string) kv.Key    { return kv.Key{"conv", "llm", "cursor", id} }
func activeKey(id string) kv.Key    { return kv.Key{"conv", "active_set", id} }
func userActiveKey(uid string) kv.Key {
	return kv.Key{"user", "active_conv", uid}
}

// Seed is the session creation contract used by the external API layer
// before the websocket opens.
type Seed struct {
	ConversationID     string
	UserID             string
	Type               string
	Vars               map[string]string
	InitialUserMessage string
}

// SeedSession writes the session metadata, context variables, active-set
// membership and the user→conversation mapping, all with the store TTL.
func (s *Store) SeedSession(ctx context.Context, seed Seed) error {
	now := time.Now()
	rec := &SessionRecord{
		UserID:             seed.UserID,
		Type:               seed.Type,
		Status:             StatusActive,
		StartedAt:          now,
		LastActiveAt:       now,
		InitialUserMessage: seed.InitialUserMessage,
	}
	if err := s.SaveSession(ctx, seed.ConversationID, rec); err != nil {
		return err
	}
	if len(seed.Vars) > 0 {
		if err := s.SetVars(ctx, seed.ConversationID, seed.Vars); err != nil {
			return err
		}
	}
	entries := []kv.Entry{
		{Key: activeKey(seed.ConversationID), Value: []byte{1}, TTL: s.ttl()},
		{Key: userActiveKey(seed.UserID), Value: []byte(seed.ConversationID), TTL: s.ttl()},
	}
	if err := s.KV.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("conv: seed session %s: %w", seed.ConversationID, err)
	}
	return nil
}

// Session loads the metadata record. Returns kv.ErrNotFound when the
// session is absent or expired.
func (s *Store) Session(ctx context.Context, id string) (*SessionRecord, error) {
	data, err := s.KV.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	rec := &SessionRecord{}
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("conv: decode session %s: %w", id, err)
	}
	return rec, nil
}

// SaveSession writes the metadata record and refreshes its TTL.
func (s *Store) SaveSession(ctx context.Context, id string, rec *SessionRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("conv: encode session %s: %w", id, err)
	}
	return s.KV.Set(ctx, sessionKey(id), data, s.ttl())
}

// Touch updates last-active time and the connected flag.
func (s *Store) Touch(ctx context.Context, id string, connected bool) error {
	rec, err := s.Session(ctx, id)
	if err != nil {
		return err
	}
	rec.LastActiveAt = time.Now()
	rec.Connected = connected
	return s.SaveSession(ctx, id, rec)
}

// Messages loads the conversation log. A missing key is an empty log.
func (s *Store) Messages(ctx context.Context, id string) ([]MessageRecord, error) {
	data, err := s.KV.Get(ctx, messagesKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []MessageRecord
	if err := msgpack.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("conv: decode messages %s: %w", id, err)
	}
	return msgs, nil
}

// AppendMessage appends one record to the log and refreshes its TTL.
// The session's keys are single-writer, so read-modify-write is safe.
func (s *Store) AppendMessage(ctx context.Context, id string, msg MessageRecord) error {
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return err
	}
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	msgs = append(msgs, msg)
	data, err := msgpack.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("conv: encode messages %s: %w", id, err)
	}
	return s.KV.Set(ctx, messagesKey(id), data, s.ttl())
}

// Vars loads the context variables. A missing key is an empty map.
func (s *Store) Vars(ctx context.Context, id string) (map[string]string, error) {
	data, err := s.KV.Get(ctx, varsKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if err := msgpack.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("conv: decode vars %s: %w", id, err)
	}
	return vars, nil
}

// SetVars replaces the context variables.
func (s *Store) SetVars(ctx context.Context, id string, vars map[string]string) error {
	data, err := msgpack.Marshal(vars)
	if err != nil {
		return fmt.Errorf("conv: encode vars %s: %w", id, err)
	}
	return s.KV.Set(ctx, varsKey(id), data, s.ttl())
}

// SetVar updates a single context variable.
func (s *Store) SetVar(ctx context.Context, id, name, value string) error {
	vars, err := s.Vars(ctx, id)
	if err != nil {
		return err
	}
	vars[name] = value
	return s.SetVars(ctx, id, vars)
}

// Prompt returns the cached rendered system prompt, or "" if absent.
func (s *Store) Prompt(ctx context.Context, id string) (string, error) {
	data, err := s.KV.Get(ctx, promptKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPrompt caches the rendered system prompt.
func (s *Store) SetPrompt(ctx context.Context, id, prompt string) error {
	return s.KV.Set(ctx, promptKey(id), []byte(prompt), s.ttl())
}

// ClearPrompt drops the cached prompt so the next turn re-renders it.
func (s *Store) ClearPrompt(ctx context.Context, id string) error {
	return s.KV.Delete(ctx, promptKey(id))
}

// Cursor returns the saved LLM resume cursor, or "" if absent.
func (s *Store) Cursor(ctx context.Context, id string) (string, error) {
	data, err := s.KV.Get(ctx, cursorKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetCursor saves the LLM resume cursor.
func (s *Store) SetCursor(ctx context.Context, id, cursor string) error {
	return s.KV.Set(ctx, cursorKey(id), []byte(cursor), s.ttl())
}

// SetInterrupt raises the shared interrupt flag with its short TTL.
func (s *Store) SetInterrupt(ctx context.Context, id string) error {
	return s.KV.Set(ctx, interruptKey(id), []byte{1}, s.interruptTTL())
}

// Interrupted reports whether the shared interrupt flag is live.
func (s *Store) Interrupted(ctx context.Context, id string) bool {
	_, err := s.KV.Get(ctx, interruptKey(id))
	return err == nil
}

// ClearInterrupt drops the shared interrupt flag.
func (s *Store) ClearInterrupt(ctx context.Context, id string) error {
	return s.KV.Delete(ctx, interruptKey(id))
}

// ActiveSessions lists the ids currently in the active set.
func (s *Store) ActiveSessions(ctx context.Context) ([]string, error) {
	var ids []string
	for entry, err := range s.KV.List(ctx, kv.Key{"conv", "active_set"}) {
		if err != nil {
			return nil, fmt.Errorf("conv: list active sessions: %w", err)
		}
		ids = append(ids, entry.Key[len(entry.Key)-1])
	}
	return ids, nil
}

// Finalize consolidates the message log into a durable transcript and
// deletes every conversation key. The topic summary and the archive step
// are best-effort when their collaborators are nil.
func (s *Store) Finalize(ctx context.Context, id string, summarizer llm.Completer, archiver archive.Archiver) error {
	rec, err := s.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("conv: finalize %s: %w", id, err)
	}
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("conv: finalize %s: %w", id, err)
	}

	if archiver != nil {
		t := &archive.Transcript{
			ConversationID: id,
			UserID:         rec.UserID,
			Type:           rec.Type,
			StartedAt:      rec.StartedAt,
			EndedAt:        time.Now(),
			Messages:       make([]archive.Message, 0, len(msgs)),
		}
		if summarizer != nil && len(msgs) > 0 {
			t.Topic = summarizeTopic(ctx, summarizer, msgs)
		}
		for _, m := range msgs {
			t.Messages = append(t.Messages, archive.Message{
				Role: m.Role, Content: m.Content, Kind: m.Kind, At: m.At,
			})
		}
		if err := archiver.Save(ctx, t); err != nil {
			return fmt.Errorf("conv: finalize %s: %w", id, err)
		}
	}

	keys := []kv.Key{
		sessionKey(id),
		messagesKey(id),
		varsKey(id),
		promptKey(id),
		interruptKey(id),
		cursorKey(id),
		activeKey(id),
	}
	if err := s.KV.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("conv: finalize %s: %w", id, err)
	}

	// Drop the user mapping only if it still points at this conversation.
	if current, err := s.KV.Get(ctx, userActiveKey(rec.UserID)); err == nil && string(current) == id {
		if err := s.KV.Delete(ctx, userActiveKey(rec.UserID)); err != nil {
			return fmt.Errorf("conv: finalize %s: %w", id, err)
		}
	}
	return nil
}

// summarizeTopic asks the LLM for a short topic phrase over the recent
// log. Failures degrade to an empty topic.
func summarizeTopic(ctx context.Context, summarizer llm.Completer, msgs []MessageRecord) string {
	if len(msgs) > topicHistoryLimit {
		msgs = msgs[len(msgs)-topicHistoryLimit:]
	}
	req := []llm.Message{{Role: llm.RoleSystem, Content: topicPrompt}}
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		req = append(req, llm.Message{Role: role, Content: m.Content})
	}
	topic, err := summarizer.Complete(ctx, req)
	if err != nil {
		return ""
	}
	return topic
}

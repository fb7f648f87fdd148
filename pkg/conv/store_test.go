package conv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brightlamp-ai/brightlamp/pkg/archive"
	"github.com/brightlamp-ai/brightlamp/pkg/kv"
	"github.com/brightlamp-ai/brightlamp/pkg/llm"
)

func TestStore_SeedAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.SeedSession(ctx, Seed{
		ConversationID:     "7",
		UserID:             "42",
		Type:               "solving",
		Vars:               map[string]string{"student_name": "小明"},
		InitialUserMessage: "帮我看看这道题",
	})
	if err != nil {
		t.Fatalf("SeedSession error: %v", err)
	}

	rec, err := store.Session(ctx, "7")
	if err != nil {
		t.Fatalf("Session error: %v", err)
	}
	if rec.UserID != "42" || rec.Type != "solving" || rec.Status != StatusActive {
		t.Errorf("record = %+v", rec)
	}
	if rec.InitialUserMessage != "帮我看看这道题" {
		t.Errorf("initial message = %q", rec.InitialUserMessage)
	}

	vars, err := store.Vars(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if vars["student_name"] != "小明" {
		t.Errorf("vars = %v", vars)
	}

	ids, err := store.ActiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "7" {
		t.Errorf("active sessions = %v", ids)
	}
}

func TestStore_MessageLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTest(t, store, "7", "42")

	if err := store.AppendMessage(ctx, "7", MessageRecord{Role: "user", Content: "你好"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "7", MessageRecord{Role: "assistant", Content: "[S]你好呀[/S]"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.Messages(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Content != "[S]你好呀[/S]" {
		t.Errorf("messages = %+v", msgs)
	}
	if msgs[0].At.IsZero() {
		t.Error("append did not stamp time")
	}
}

func TestStore_PromptAndCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if p, err := store.Prompt(ctx, "7"); err != nil || p != "" {
		t.Fatalf("empty prompt = %q, err %v", p, err)
	}
	if err := store.SetPrompt(ctx, "7", "rendered"); err != nil {
		t.Fatal(err)
	}
	if p, _ := store.Prompt(ctx, "7"); p != "rendered" {
		t.Errorf("prompt = %q", p)
	}
	if err := store.ClearPrompt(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if p, _ := store.Prompt(ctx, "7"); p != "" {
		t.Errorf("prompt after clear = %q", p)
	}

	if err := store.SetCursor(ctx, "7", "resp-9"); err != nil {
		t.Fatal(err)
	}
	if c, _ := store.Cursor(ctx, "7"); c != "resp-9" {
		t.Errorf("cursor = %q", c)
	}
}

func TestStore_InterruptFlag(t *testing.T) {
	ctx := context.Background()
	store := &Store{KV: kv.NewMemory(), InterruptTTL: 50 * time.Millisecond}

	if store.Interrupted(ctx, "7") {
		t.Fatal("flag set before SetInterrupt")
	}
	if err := store.SetInterrupt(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if !store.Interrupted(ctx, "7") {
		t.Fatal("flag not visible")
	}

	time.Sleep(80 * time.Millisecond)
	if store.Interrupted(ctx, "7") {
		t.Error("flag survived its TTL")
	}

	if err := store.SetInterrupt(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if err := store.ClearInterrupt(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if store.Interrupted(ctx, "7") {
		t.Error("flag survived clear")
	}
}

// fixedCompleter returns a canned topic summary.
type fixedCompleter struct {
	topic string
	seen  []llm.Message
}

func (f *fixedCompleter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.seen = messages
	return f.topic, nil
}

func TestStore_Finalize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTest(t, store, "7", "42")

	store.AppendMessage(ctx, "7", MessageRecord{Role: "user", Content: "讲讲太阳系"})
	store.AppendMessage(ctx, "7", MessageRecord{Role: "assistant", Content: "[S]好呀[/S]"})
	store.SetCursor(ctx, "7", "resp-1")

	root := t.TempDir()
	archiver, err := archive.NewDir(root)
	if err != nil {
		t.Fatal(err)
	}
	summarizer := &fixedCompleter{topic: "太阳系"}

	if err := store.Finalize(ctx, "7", summarizer, archiver); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}

	// Summarizer saw the system prompt plus the log.
	if len(summarizer.seen) != 3 || summarizer.seen[0].Role != llm.RoleSystem {
		t.Errorf("summarizer input = %+v", summarizer.seen)
	}

	// Transcript landed on disk.
	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			found = path
		}
		return nil
	})
	if found == "" {
		t.Fatal("no transcript written")
	}
	data, _ := os.ReadFile(found)
	var tr archive.Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Topic != "太阳系" || len(tr.Messages) != 2 || tr.UserID != "42" {
		t.Errorf("transcript = %+v", tr)
	}

	// All conversation keys are gone.
	if _, err := store.Session(ctx, "7"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("session survived finalize: %v", err)
	}
	if msgs, _ := store.Messages(ctx, "7"); msgs != nil {
		t.Errorf("messages survived finalize: %+v", msgs)
	}
	if ids, _ := store.ActiveSessions(ctx); len(ids) != 0 {
		t.Errorf("active set survived finalize: %v", ids)
	}
	if _, err := store.KV.Get(ctx, kv.Key{"user", "active_conv", "42"}); !errors.Is(err, kv.ErrNotFound) {
		t.Error("user mapping survived finalize")
	}
}

package archive

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func sample() *Transcript {
	return &Transcript{
		ConversationID: "7",
		UserID:         "42",
		Type:           "chat",
		Topic:          "太阳系",
		StartedAt:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:        time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC),
		Messages: []Message{
			{Role: "user", Content: "讲讲太阳系", At: time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC)},
			{Role: "assistant", Content: "[S]太阳系有八大行星。[/S]", At: time.Date(2025, 6, 1, 10, 1, 5, 0, time.UTC)},
		},
	}
}

// mockS3 records PutObject calls in memory.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Save(t *testing.T) {
	mock := &mockS3{}
	a := NewS3(mock, "brightlamp", "prod")

	if err := a.Save(context.Background(), sample()); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	data, ok := mock.objects["prod/transcripts/2025-06-01/7.json"]
	if !ok {
		t.Fatalf("object not stored; keys = %v", keysOf(mock.objects))
	}

	var got Transcript
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stored object is not valid JSON: %v", err)
	}
	if got.Topic != "太阳系" || len(got.Messages) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestDir_Save(t *testing.T) {
	root := t.TempDir()
	a, err := NewDir(root)
	if err != nil {
		t.Fatalf("NewDir error: %v", err)
	}

	if err := a.Save(context.Background(), sample()); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	path := filepath.Join(root, "transcripts", "2025-06-01", "7.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("transcript file missing: %v", err)
	}
	var got Transcript
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.ConversationID != "7" {
		t.Errorf("conversation_id = %q", got.ConversationID)
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

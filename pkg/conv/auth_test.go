package conv

import (
	"context"
	"testing"
	"time"

	"github.com/brightlamp-ai/brightlamp/pkg/kv"
)

var testSecret = []byte("test-secret")

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return &Store{KV: kv.NewMemory()}
}

func seedTest(t *testing.T, store *Store, convID, userID string) {
	t.Helper()
	err := store.SeedSession(context.Background(), Seed{
		ConversationID: convID,
		UserID:         userID,
		Type:           "chat",
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken(testSecret, "7", "42", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	claims, err := VerifyToken(testSecret, token)
	if err != nil {
		t.Fatalf("VerifyToken error: %v", err)
	}
	if claims.ConversationID != "7" || claims.UserID != "42" || claims.TokenType != "ws" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, _ := IssueToken(testSecret, "7", "42", time.Minute)
	if _, err := VerifyToken([]byte("other"), token); err == nil {
		t.Error("token verified with wrong secret")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	token, _ := IssueToken(testSecret, "7", "42", -time.Minute)
	if _, err := VerifyToken(testSecret, token); err == nil {
		t.Error("expired token verified")
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTest(t, store, "7", "42")

	good, _ := IssueToken(testSecret, "7", "42", time.Minute)
	wrongConv, _ := IssueToken(testSecret, "8", "42", time.Minute)
	wrongUser, _ := IssueToken(testSecret, "7", "99", time.Minute)
	missing, _ := IssueToken(testSecret, "404", "42", time.Minute)

	tests := []struct {
		name     string
		convID   string
		token    string
		wantCode int
	}{
		{"ok", "7", good, 0},
		{"garbage token", "7", "not-a-jwt", CloseInvalidToken},
		{"token for other conversation", "7", wrongConv, CloseTokenMismatch},
		{"session missing", "404", missing, CloseSessionMissing},
		{"user mismatch", "7", wrongUser, CloseUserMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims, code, err := Authorize(ctx, store, testSecret, tc.convID, tc.token)
			if code != tc.wantCode {
				t.Fatalf("code = %d, want %d (err=%v)", code, tc.wantCode, err)
			}
			if tc.wantCode == 0 && (err != nil || claims == nil) {
				t.Fatalf("expected success, got claims=%v err=%v", claims, err)
			}
		})
	}
}

func TestAuthorize_InactiveSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTest(t, store, "7", "42")

	rec, err := store.Session(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	rec.Status = StatusEnded
	if err := store.SaveSession(ctx, "7", rec); err != nil {
		t.Fatal(err)
	}

	token, _ := IssueToken(testSecret, "7", "42", time.Minute)
	_, code, err := Authorize(ctx, store, testSecret, "7", token)
	if code != CloseSessionInactive || err == nil {
		t.Errorf("code = %d, err = %v, want %d", code, err, CloseSessionInactive)
	}
}

package conv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/brightlamp-ai/brightlamp/pkg/kv"
)

// tokenType marks websocket tokens apart from request-scoped ones.
const tokenType = "ws"

// DefaultTokenTTL is the lifetime of an issued connection token.
const DefaultTokenTTL = 2 * time.Hour

// CloseNormal is the close code for orderly shutdowns (timeouts and
// supersession included).
const CloseNormal = 1000

// Close codes used by the auth gate.
const (
	CloseInvalidToken    = 4001
	CloseTokenMismatch   = 4002
	CloseSessionMissing  = 4003
	CloseUserMismatch    = 4004
	CloseSessionInactive = 4005
)

var ErrInvalidToken = errors.New("conv: invalid token")

// TokenClaims is the payload of a websocket connection token.
type TokenClaims struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	TokenType      string `json:"type"`
	jwt.RegisteredClaims
}

// IssueToken signs a short-lived HS256 connection token.
func IssueToken(secret []byte, conversationID, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := TokenClaims{
		ConversationID: conversationID,
		UserID:         userID,
		TokenType:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("conv: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature, expiry and the websocket type marker.
func VerifyToken(secret []byte, token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}
	return claims, nil
}

// Authorize runs the full admission gate for a connection to the given
// conversation. On failure it returns the websocket close code the
// connection must be closed with.
func Authorize(ctx context.Context, store *Store, secret []byte, conversationID, token string) (*TokenClaims, int, error) {
	claims, err := VerifyToken(secret, token)
	if err != nil {
		return nil, CloseInvalidToken, err
	}
	if claims.ConversationID != conversationID {
		return nil, CloseTokenMismatch, fmt.Errorf("conv: token is for conversation %s", claims.ConversationID)
	}

	sess, err := store.Session(ctx, conversationID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, CloseSessionMissing, fmt.Errorf("conv: session %s not found", conversationID)
	}
	if err != nil {
		return nil, CloseSessionMissing, err
	}
	if sess.UserID != claims.UserID {
		return nil, CloseUserMismatch, fmt.Errorf("conv: session belongs to another user")
	}
	if sess.Status != StatusActive {
		return nil, CloseSessionInactive, fmt.Errorf("conv: session status %q", sess.Status)
	}
	return claims, 0, nil
}
